// Package syncd runs the client side of quizpulse synchronization: the
// WebSocket connection to the broker, reconnect with backoff, delta
// pulls, push-or-queue answer submission, and the presence view.
package syncd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/quizpulse/quizpulse/internal/merge"
	"github.com/quizpulse/quizpulse/internal/outbox"
	"github.com/quizpulse/quizpulse/internal/protocol"
	"github.com/quizpulse/quizpulse/internal/record"
	"github.com/quizpulse/quizpulse/internal/store"
)

// State of the coordinator's connection to the broker.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// DefaultHeartbeatEvery keeps presence alive well inside the broker's
// TTL.
const DefaultHeartbeatEvery = 25 * time.Second

// DefaultFlushEvery is how often a connected session re-drains the
// outbox. Answers queued after a failed submit would otherwise wait
// for the next reconnect.
const DefaultFlushEvery = 30 * time.Second

// BrokerAPI is the REST surface the coordinator needs. *RESTClient
// implements it.
type BrokerAPI interface {
	PeerData(ctx context.Context, since int64) (protocol.PeerDataResponse, error)
	SubmitAnswer(ctx context.Context, a protocol.PeerAnswer) (protocol.SubmitResponse, error)
	BatchSubmit(ctx context.Context, answers []protocol.PeerAnswer) (protocol.BatchResponse, error)
}

var _ BrokerAPI = (*RESTClient)(nil)

// Options configures a Coordinator. Username, ServerURL, Store, Outbox
// and REST are required; the rest default sensibly.
type Options struct {
	Username  string
	ServerURL string
	Store     store.Adapter
	Outbox    *outbox.Outbox
	REST      BrokerAPI

	Dialer         Dialer
	Clock          Clock
	Backoff        Backoff
	HeartbeatEvery time.Duration
	FlushEvery     time.Duration
	Logger         *log.Logger

	// OnChange fires after locally visible peer data changed.
	OnChange func()
	// OnState fires on every connection state transition.
	OnState func(State)
}

// Coordinator owns the sync session for one user.
type Coordinator struct {
	username   string
	wsURL      string
	store      store.Adapter
	outbox     *outbox.Outbox
	rest       BrokerAPI
	dialer     Dialer
	clock      Clock
	backoff    Backoff
	hbEvery    time.Duration
	flushEvery time.Duration
	logger     *log.Logger
	onChange   func()
	onState    func(State)

	mu              sync.Mutex
	state           State
	conn            Conn
	generation      int
	attempt         int
	online          map[string]bool
	cancelHeartbeat func()
	cancelFlush     func()
	cancelReconnect func()

	wg sync.WaitGroup
}

// New builds a coordinator in the disconnected state.
func New(opts Options) (*Coordinator, error) {
	if opts.Username == "" {
		return nil, errors.New("username is required")
	}
	if opts.Store == nil || opts.Outbox == nil || opts.REST == nil {
		return nil, errors.New("store, outbox and REST client are required")
	}
	wsURL, err := WebSocketURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = DefaultHeartbeatEvery
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = DefaultFlushEvery
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Coordinator{
		username:   opts.Username,
		wsURL:      wsURL,
		store:      opts.Store,
		outbox:     opts.Outbox,
		rest:       opts.REST,
		dialer:     opts.Dialer,
		clock:      opts.Clock,
		backoff:    opts.Backoff,
		hbEvery:    opts.HeartbeatEvery,
		flushEvery: opts.FlushEvery,
		logger:     opts.Logger,
		onChange:   opts.OnChange,
		onState:    opts.OnState,
		state:      StateDisconnected,
		online:     make(map[string]bool),
	}, nil
}

// State returns the current connection state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Online returns the currently-online usernames, sorted.
func (c *Coordinator) Online() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.online))
	for u := range c.online {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Connect dials the broker. On failure a reconnect is scheduled; the
// session keeps trying until the backoff budget runs out.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	// A Disconnect racing the dial bumps the generation; the dialed
	// connection must then be thrown away, not installed.
	startGen := c.generation
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.wsURL)
	if err != nil {
		c.logger.Printf("connect failed: %v", err)
		c.mu.Lock()
		if c.generation == startGen && c.state == StateConnecting {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return err
	}

	identify, _ := protocol.Encode(protocol.Frame{
		Type:     protocol.MessageTypeIdentify,
		Username: c.username,
	})
	if err := conn.Write(ctx, identify); err != nil {
		_ = conn.Close()
		c.mu.Lock()
		if c.generation == startGen && c.state == StateConnecting {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to identify: %w", err)
	}

	c.mu.Lock()
	if c.generation != startGen || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.generation++
	gen := c.generation
	c.attempt = 0
	c.setStateLocked(StateConnected)
	c.scheduleHeartbeatLocked(gen)
	c.scheduleFlushLocked(gen)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(gen, conn)

	// Catch up: flush queued writes, then pull what we missed.
	if _, err := c.Flush(ctx); err != nil {
		c.logger.Printf("outbox flush after connect failed: %v", err)
	}
	if err := c.Pull(ctx); err != nil {
		c.logger.Printf("pull after connect failed: %v", err)
	}
	return nil
}

// Disconnect ends the session. No reconnect is scheduled;
// presence expiry on the broker side still takes the full TTL.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	c.generation++
	conn := c.conn
	c.conn = nil
	c.stopTimersLocked()
	c.attempt = 0
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
}

// ManualReconnect restarts a session that gave up, with a fresh backoff
// budget.
func (c *Coordinator) ManualReconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.stopTimersLocked()
	c.attempt = 0
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	return c.Connect(ctx)
}

// PushAnswer records the user's answer locally, then delivers it to the
// broker, or queues it in the outbox when the broker is unreachable.
// The local write always happens; only delivery is deferred.
func (c *Coordinator) PushAnswer(ctx context.Context, questionID, value string) error {
	ts := c.clock.Now().UnixMilli()
	incoming := record.Answer{Value: value, Timestamp: ts}

	if err := c.mergeLocal(ctx, record.StoreAnswers, record.Key(c.username, questionID), incoming); err != nil {
		return fmt.Errorf("failed to store answer: %w", err)
	}

	a := protocol.PeerAnswer{
		Username:    c.username,
		QuestionID:  questionID,
		AnswerValue: value,
		Timestamp:   ts,
	}

	if c.State() != StateConnected {
		_, err := c.outbox.Enqueue(ctx, outbox.OpSubmitAnswer, a)
		return err
	}

	if _, err := c.rest.SubmitAnswer(ctx, a); err != nil {
		if errors.Is(err, ErrNetwork) {
			c.logger.Printf("submit failed, queuing: %v", err)
			_, qerr := c.outbox.Enqueue(ctx, outbox.OpSubmitAnswer, a)
			return qerr
		}
		return err
	}
	return nil
}

// Pull fetches answers newer than the sync cursor and merges them into
// the local peer cache. The cursor advances to the newest timestamp
// actually observed, so a quiet pull never skips records.
func (c *Coordinator) Pull(ctx context.Context) error {
	cursor, err := c.loadCursor(ctx)
	if err != nil {
		return err
	}

	resp, err := c.rest.PeerData(ctx, cursor)
	if err != nil {
		return err
	}

	changed := 0
	maxTS := cursor
	for _, a := range resp.Data {
		if a.Timestamp > maxTS {
			maxTS = a.Timestamp
		}
		if a.Username == c.username {
			continue
		}
		key := record.Key(a.Username, a.QuestionID)
		incoming := record.Answer{Value: a.AnswerValue, Timestamp: a.Timestamp}
		if err := c.mergeLocal(ctx, record.StorePeerAnswers, key, incoming); err != nil {
			c.logger.Printf("failed to cache peer answer %s: %v", key, err)
			continue
		}
		changed++
	}

	if maxTS > cursor {
		if err := c.saveCursor(ctx, maxTS); err != nil {
			return err
		}
	}
	if changed > 0 {
		c.notifyChange()
	}
	return nil
}

// Flush drains the outbox through the REST client.
func (c *Coordinator) Flush(ctx context.Context) (outbox.DrainStats, error) {
	return c.outbox.Drain(ctx, outbox.SenderFunc(func(ctx context.Context, item outbox.Item) error {
		switch item.OpType {
		case outbox.OpSubmitAnswer:
			var a protocol.PeerAnswer
			if err := json.Unmarshal(item.Payload, &a); err != nil {
				return fmt.Errorf("bad payload: %w", err)
			}
			_, err := c.rest.SubmitAnswer(ctx, a)
			return err
		case outbox.OpBatchSubmit:
			var answers []protocol.PeerAnswer
			if err := json.Unmarshal(item.Payload, &answers); err != nil {
				return fmt.Errorf("bad payload: %w", err)
			}
			_, err := c.rest.BatchSubmit(ctx, answers)
			return err
		default:
			return fmt.Errorf("unknown op type %q", item.OpType)
		}
	}))
}

func (c *Coordinator) readLoop(gen int, conn Conn) {
	defer c.wg.Done()

	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			c.connLost(gen)
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Printf("dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Coordinator) dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.MessageTypePresenceSnapshot:
		c.mu.Lock()
		c.online = make(map[string]bool, len(f.Users))
		for _, u := range f.Users {
			c.online[u] = true
		}
		c.mu.Unlock()
		c.notifyChange()

	case protocol.MessageTypeUserOnline:
		if f.Username == "" {
			return
		}
		c.mu.Lock()
		c.online[f.Username] = true
		c.mu.Unlock()
		c.notifyChange()

	case protocol.MessageTypeUserOffline:
		if f.Username == "" {
			return
		}
		c.mu.Lock()
		delete(c.online, f.Username)
		c.mu.Unlock()
		c.notifyChange()

	case protocol.MessageTypeAnswerSubmitted, protocol.MessageTypeRealtimeUpdate:
		if f.Answer == nil || f.Answer.Username == c.username {
			return
		}
		key := record.Key(f.Answer.Username, f.Answer.QuestionID)
		incoming := record.Answer{Value: f.Answer.AnswerValue, Timestamp: f.Answer.Timestamp}
		if err := c.mergeLocal(context.Background(), record.StorePeerAnswers, key, incoming); err != nil {
			c.logger.Printf("failed to cache peer answer %s: %v", key, err)
			return
		}
		c.notifyChange()

	case protocol.MessageTypeBatchSubmitted:
		// Batch frames carry no rows; pull the delta.
		if err := c.Pull(context.Background()); err != nil {
			c.logger.Printf("pull after batch failed: %v", err)
		}

	case protocol.MessageTypeConnected, protocol.MessageTypePong:
		// Liveness only.

	default:
		// Unknown frame types from newer brokers are ignored.
	}
}

// mergeLocal applies the answer merge rule against whatever is already
// stored under the key.
func (c *Coordinator) mergeLocal(ctx context.Context, storeName, key string, incoming record.Answer) error {
	raw, err := c.store.Get(ctx, storeName, key)
	if err != nil {
		return err
	}
	merged := incoming
	if raw != nil {
		existing, err := record.NormalizeAnswer(raw, 0)
		if err != nil {
			c.logger.Printf("replacing corrupt record %s/%s: %v", storeName, key, err)
		} else {
			merged = merge.Answers(existing, incoming)
		}
	}
	buf, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, storeName, key, buf)
}

func (c *Coordinator) loadCursor(ctx context.Context) (int64, error) {
	raw, err := c.store.Get(ctx, record.StoreSettings, record.Key(c.username, record.SettingSyncCursor))
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		c.logger.Printf("resetting unreadable sync cursor: %v", err)
		return 0, nil
	}
	cursor, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		c.logger.Printf("resetting unreadable sync cursor: %v", err)
		return 0, nil
	}
	return cursor, nil
}

func (c *Coordinator) saveCursor(ctx context.Context, cursor int64) error {
	buf, err := json.Marshal(strconv.FormatInt(cursor, 10))
	if err != nil {
		return err
	}
	return c.store.Set(ctx, record.StoreSettings, record.Key(c.username, record.SettingSyncCursor), buf)
}

// connLost handles an unexpected drop of the connection for generation
// gen. Stale generations (after Disconnect or a newer dial) are
// ignored.
func (c *Coordinator) connLost(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.conn == nil {
		return
	}
	c.logger.Println("connection lost")
	_ = c.conn.Close()
	c.conn = nil
	c.stopTimersLocked()
	c.scheduleReconnectLocked()
}

func (c *Coordinator) scheduleReconnectLocked() {
	if c.backoff.Exhausted(c.attempt) {
		c.logger.Printf("giving up after %d attempts; manual reconnect required", c.attempt)
		c.attempt = 0
		c.setStateLocked(StateDisconnected)
		return
	}

	delay := c.backoff.Delay(c.attempt)
	c.attempt++
	c.setStateLocked(StateReconnecting)
	c.logger.Printf("reconnecting in %s (attempt %d)", delay, c.attempt)

	c.cancelReconnect = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateDisconnected // let Connect proceed
		c.mu.Unlock()
		_ = c.Connect(context.Background())
	})
}

func (c *Coordinator) scheduleHeartbeatLocked(gen int) {
	c.cancelHeartbeat = c.clock.AfterFunc(c.hbEvery, func() {
		c.mu.Lock()
		if gen != c.generation || c.conn == nil {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		c.scheduleHeartbeatLocked(gen)
		c.mu.Unlock()

		hb, _ := protocol.Encode(protocol.Frame{
			Type:     protocol.MessageTypeHeartbeat,
			Username: c.username,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Write(ctx, hb); err != nil {
			c.logger.Printf("heartbeat failed: %v", err)
		}
	})
}

// scheduleFlushLocked re-drains the outbox on a timer while the session
// stays connected, so an answer queued after a failed submit does not
// wait for the next reconnect.
func (c *Coordinator) scheduleFlushLocked(gen int) {
	c.cancelFlush = c.clock.AfterFunc(c.flushEvery, func() {
		c.mu.Lock()
		if gen != c.generation || c.conn == nil {
			c.mu.Unlock()
			return
		}
		c.scheduleFlushLocked(gen)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stats, err := c.Flush(ctx)
		if err != nil {
			c.logger.Printf("periodic outbox flush failed: %v", err)
			return
		}
		if stats.Delivered > 0 {
			c.logger.Printf("periodic flush delivered %d queued items", stats.Delivered)
		}
	})
}

func (c *Coordinator) stopTimersLocked() {
	if c.cancelHeartbeat != nil {
		c.cancelHeartbeat()
		c.cancelHeartbeat = nil
	}
	if c.cancelFlush != nil {
		c.cancelFlush()
		c.cancelFlush = nil
	}
	if c.cancelReconnect != nil {
		c.cancelReconnect()
		c.cancelReconnect = nil
	}
}

func (c *Coordinator) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onState != nil {
		// Callbacks run outside the lock.
		go c.onState(s)
	}
}

func (c *Coordinator) notifyChange() {
	if c.onChange != nil {
		c.onChange()
	}
}
