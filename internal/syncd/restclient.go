package syncd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quizpulse/quizpulse/internal/protocol"
)

// ErrNetwork marks failures where the broker could not be reached or
// answered with a server error. Callers queue the write in the outbox
// instead of surfacing these.
var ErrNetwork = errors.New("network unavailable")

// RESTClient talks to the broker's HTTP API.
type RESTClient struct {
	baseURL string
	http    *http.Client
}

// NewRESTClient points at the broker's base URL, e.g.
// "http://localhost:8080".
func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Health checks broker liveness.
func (c *RESTClient) Health(ctx context.Context) (protocol.HealthResponse, error) {
	var out protocol.HealthResponse
	err := c.get(ctx, "/health", &out)
	return out, err
}

// PeerData pulls answers newer than since (0 means everything).
func (c *RESTClient) PeerData(ctx context.Context, since int64) (protocol.PeerDataResponse, error) {
	var out protocol.PeerDataResponse
	path := "/api/peer-data"
	if since > 0 {
		path = fmt.Sprintf("%s?since=%d", path, since)
	}
	err := c.get(ctx, path, &out)
	return out, err
}

// SubmitAnswer pushes one answer to the broker.
func (c *RESTClient) SubmitAnswer(ctx context.Context, a protocol.PeerAnswer) (protocol.SubmitResponse, error) {
	var out protocol.SubmitResponse
	err := c.post(ctx, "/api/submit-answer", a, &out)
	return out, err
}

// BatchSubmit pushes a set of answers in one request.
func (c *RESTClient) BatchSubmit(ctx context.Context, answers []protocol.PeerAnswer) (protocol.BatchResponse, error) {
	var out protocol.BatchResponse
	err := c.post(ctx, "/api/batch-submit", protocol.BatchRequest{Answers: answers}, &out)
	return out, err
}

func (c *RESTClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *RESTClient) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *RESTClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: server returned %d", ErrNetwork, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server rejected request (%d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
