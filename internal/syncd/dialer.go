package syncd

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

// Conn is one live connection to the broker's WebSocket endpoint.
type Conn interface {
	// Read blocks for the next text frame.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens broker connections. Swapped for a fake in tests.
type Dialer interface {
	Dial(ctx context.Context, wsURL string) (Conn, error)
}

// WSDialer dials real WebSocket connections.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, wsURL string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}
	return wsConn{conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// WebSocketURL derives the /ws endpoint from the broker's base HTTP
// URL.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL %q: unsupported scheme", baseURL)
	}
	u.Path = "/ws"
	return u.String(), nil
}
