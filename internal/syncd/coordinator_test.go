package syncd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quizpulse/quizpulse/internal/outbox"
	"github.com/quizpulse/quizpulse/internal/protocol"
	"github.com/quizpulse/quizpulse/internal/record"
	"github.com/quizpulse/quizpulse/internal/store"
)

type fakeConn struct {
	incoming chan []byte

	mu     sync.Mutex
	writes [][]byte

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.done:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// drop simulates the broker side going away.
func (c *fakeConn) drop() { _ = c.Close() }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentFrames(t *testing.T) []protocol.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Frame, 0, len(c.writes))
	for _, data := range c.writes {
		f, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("client sent malformed frame: %v", err)
		}
		out = append(out, f)
	}
	return out
}

// deliver pushes a broker frame into the client's read loop.
func (c *fakeConn) deliver(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.incoming <- data
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	block chan struct{} // when set, Dial waits on it before returning
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, wsURL string) (Conn, error) {
	d.mu.Lock()
	fail, block := d.fail, d.block
	d.mu.Unlock()
	if block != nil {
		<-block
	}
	if fail {
		return nil, errors.New("dial refused")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) setBlock(ch chan struct{}) {
	d.mu.Lock()
	d.block = ch
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeAPI struct {
	mu       sync.Mutex
	submits  []protocol.PeerAnswer
	batches  [][]protocol.PeerAnswer
	peerData protocol.PeerDataResponse
	netDown  bool
}

func (a *fakeAPI) PeerData(ctx context.Context, since int64) (protocol.PeerDataResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.netDown {
		return protocol.PeerDataResponse{}, fmt.Errorf("%w: refused", ErrNetwork)
	}
	resp := a.peerData
	filtered := []protocol.PeerAnswer{}
	for _, ans := range resp.Data {
		if ans.Timestamp > since {
			filtered = append(filtered, ans)
		}
	}
	resp.Data = filtered
	return resp, nil
}

func (a *fakeAPI) SubmitAnswer(ctx context.Context, ans protocol.PeerAnswer) (protocol.SubmitResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.netDown {
		return protocol.SubmitResponse{}, fmt.Errorf("%w: refused", ErrNetwork)
	}
	a.submits = append(a.submits, ans)
	return protocol.SubmitResponse{Success: true, Timestamp: ans.Timestamp}, nil
}

func (a *fakeAPI) BatchSubmit(ctx context.Context, answers []protocol.PeerAnswer) (protocol.BatchResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.netDown {
		return protocol.BatchResponse{}, fmt.Errorf("%w: refused", ErrNetwork)
	}
	a.batches = append(a.batches, answers)
	return protocol.BatchResponse{Success: true, Count: len(answers)}, nil
}

func (a *fakeAPI) setNetDown(down bool) {
	a.mu.Lock()
	a.netDown = down
	a.mu.Unlock()
}

func (a *fakeAPI) submitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.submits)
}

type testEnv struct {
	coord  *Coordinator
	dialer *fakeDialer
	api    *fakeAPI
	clock  *ManualClock
	store  store.Adapter
	outbox *outbox.Outbox
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := log.New(io.Discard, "", 0)
	ob, err := outbox.New(db.RawDB(), logger)
	if err != nil {
		t.Fatalf("outbox.New: %v", err)
	}

	dialer := &fakeDialer{}
	api := &fakeAPI{}
	clock := NewManualClock(time.Unix(1_700_000_000, 0))

	coord, err := New(Options{
		Username:  "Mango_Panda",
		ServerURL: "http://broker.local:8080",
		Store:     db,
		Outbox:    ob,
		REST:      api,
		Dialer:    dialer,
		Clock:     clock,
		Backoff:   Backoff{Min: time.Second, Max: 4 * time.Second, MaxAttempts: 3},
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(coord.Disconnect)

	return &testEnv{coord: coord, dialer: dialer, api: api, clock: clock, store: db, outbox: ob}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectIdentifiesAndPulls(t *testing.T) {
	env := newTestEnv(t)
	env.api.peerData = protocol.PeerDataResponse{
		Data: []protocol.PeerAnswer{
			{Username: "Banana_Fox", QuestionID: "q1", AnswerValue: "B", Timestamp: 300},
			{Username: "Mango_Panda", QuestionID: "q1", AnswerValue: "A", Timestamp: 500},
		},
	}

	if err := env.coord.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := env.coord.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}

	frames := env.dialer.latest().sentFrames(t)
	if len(frames) == 0 || frames[0].Type != protocol.MessageTypeIdentify || frames[0].Username != "Mango_Panda" {
		t.Fatalf("first frame = %+v, want identify", frames)
	}

	// The peer's answer lands in the local peer cache; our own echo is
	// skipped.
	ctx := context.Background()
	raw, err := env.store.Get(ctx, record.StorePeerAnswers, record.Key("Banana_Fox", "q1"))
	if err != nil || raw == nil {
		t.Fatalf("peer answer missing: %v", err)
	}
	var a record.Answer
	if err := json.Unmarshal(raw, &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.Value != "B" || a.Timestamp != 300 {
		t.Fatalf("peer answer = %+v", a)
	}
	if own, _ := env.store.Get(ctx, record.StorePeerAnswers, record.Key("Mango_Panda", "q1")); own != nil {
		t.Fatal("own answers must not enter the peer cache")
	}

	// Cursor advances to the newest observed timestamp, own echo
	// included.
	raw, _ = env.store.Get(ctx, record.StoreSettings, record.Key("Mango_Panda", record.SettingSyncCursor))
	var cursor string
	if err := json.Unmarshal(raw, &cursor); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != "500" {
		t.Fatalf("cursor = %q, want 500", cursor)
	}
}

func TestEmptyPullKeepsCursor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.coord.Pull(ctx); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	raw, _ := env.store.Get(ctx, record.StoreSettings, record.Key("Mango_Panda", record.SettingSyncCursor))
	if raw != nil {
		t.Fatalf("empty pull wrote cursor %s; it must stay untouched", raw)
	}
}

func TestPushAnswerOnline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.coord.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := env.coord.PushAnswer(ctx, "q3", "42"); err != nil {
		t.Fatalf("PushAnswer: %v", err)
	}

	if env.api.submitCount() != 1 {
		t.Fatalf("submits = %d, want 1", env.api.submitCount())
	}
	raw, _ := env.store.Get(ctx, record.StoreAnswers, record.Key("Mango_Panda", "q3"))
	if raw == nil {
		t.Fatal("local answer missing")
	}
	if n, _ := env.outbox.Pending(ctx); n != 0 {
		t.Fatalf("outbox pending = %d, want 0", n)
	}
}

func TestPushAnswerOfflineQueuesAndFlushesOnConnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.coord.PushAnswer(ctx, "q1", "A"); err != nil {
		t.Fatalf("PushAnswer: %v", err)
	}

	// Local write happened even though we are offline.
	raw, _ := env.store.Get(ctx, record.StoreAnswers, record.Key("Mango_Panda", "q1"))
	if raw == nil {
		t.Fatal("local answer missing")
	}
	if n, _ := env.outbox.Pending(ctx); n != 1 {
		t.Fatalf("outbox pending = %d, want 1", n)
	}

	if err := env.coord.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if env.api.submitCount() != 1 {
		t.Fatalf("submits = %d, want 1 after flush", env.api.submitCount())
	}
	if n, _ := env.outbox.Pending(ctx); n != 0 {
		t.Fatalf("outbox pending = %d, want 0 after flush", n)
	}
}

func TestPushAnswerNetworkErrorQueues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.coord.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	env.api.setNetDown(true)
	if err := env.coord.PushAnswer(ctx, "q1", "A"); err != nil {
		t.Fatalf("PushAnswer should queue on network error, got %v", err)
	}
	if n, _ := env.outbox.Pending(ctx); n != 1 {
		t.Fatalf("outbox pending = %d, want 1", n)
	}
}

// An answer queued after a failed submit must not wait for a reconnect:
// the connected session re-drains the outbox on a timer.
func TestPeriodicFlushDeliversQueued(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.coord.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	env.api.setNetDown(true)
	if err := env.coord.PushAnswer(ctx, "q1", "A"); err != nil {
		t.Fatalf("PushAnswer: %v", err)
	}
	if n, _ := env.outbox.Pending(ctx); n != 1 {
		t.Fatalf("outbox pending = %d, want 1", n)
	}

	// The broker recovers but the WebSocket never dropped, so only the
	// flush tick can deliver the queued answer.
	env.api.setNetDown(false)
	env.clock.Advance(DefaultFlushEvery + time.Second)

	if env.api.submitCount() != 1 {
		t.Fatalf("submits = %d, want 1 after flush tick", env.api.submitCount())
	}
	if n, _ := env.outbox.Pending(ctx); n != 0 {
		t.Fatalf("outbox pending = %d, want 0 after flush tick", n)
	}

	// The tick keeps rescheduling while connected.
	env.api.setNetDown(true)
	if err := env.coord.PushAnswer(ctx, "q2", "B"); err != nil {
		t.Fatalf("PushAnswer: %v", err)
	}
	env.api.setNetDown(false)
	env.clock.Advance(DefaultFlushEvery + time.Second)
	if n, _ := env.outbox.Pending(ctx); n != 0 {
		t.Fatalf("outbox pending = %d, want 0 after second tick", n)
	}
}

// A Disconnect issued while Connect is still dialing must win: the late
// connection is closed instead of resurrecting the session.
func TestDisconnectDuringDialStaysDown(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	env.dialer.setBlock(release)

	done := make(chan error, 1)
	go func() { done <- env.coord.Connect(context.Background()) }()
	waitFor(t, "connecting state", func() bool { return env.coord.State() == StateConnecting })

	env.coord.Disconnect()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := env.coord.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
	if env.dialer.dials() != 1 {
		t.Fatalf("dials = %d, want 1", env.dialer.dials())
	}
	if conn := env.dialer.latest(); conn == nil || !conn.isClosed() {
		t.Fatal("connection dialed after Disconnect must be closed")
	}
}

func TestPresenceFrames(t *testing.T) {
	env := newTestEnv(t)
	if err := env.coord.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := env.dialer.latest()

	conn.deliver(t, protocol.Frame{
		Type:  protocol.MessageTypePresenceSnapshot,
		Users: []string{"Banana_Fox", "Kiwi_Bear"},
	})
	waitFor(t, "snapshot applied", func() bool { return len(env.coord.Online()) == 2 })

	conn.deliver(t, protocol.Frame{Type: protocol.MessageTypeUserOffline, Username: "Kiwi_Bear"})
	waitFor(t, "offline applied", func() bool {
		online := env.coord.Online()
		return len(online) == 1 && online[0] == "Banana_Fox"
	})

	conn.deliver(t, protocol.Frame{Type: protocol.MessageTypeUserOnline, Username: "Cherry_Lemon"})
	waitFor(t, "online applied", func() bool { return len(env.coord.Online()) == 2 })
}

func TestAnswerFrameUpdatesPeerCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.coord.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := env.dialer.latest()

	conn.deliver(t, protocol.Frame{
		Type:   protocol.MessageTypeAnswerSubmitted,
		Answer: &protocol.PeerAnswer{Username: "Banana_Fox", QuestionID: "q2", AnswerValue: "C", Timestamp: 900},
	})
	waitFor(t, "peer answer cached", func() bool {
		raw, _ := env.store.Get(ctx, record.StorePeerAnswers, record.Key("Banana_Fox", "q2"))
		return raw != nil
	})

	// A stale frame for the same question loses the merge.
	conn.deliver(t, protocol.Frame{
		Type:   protocol.MessageTypeAnswerSubmitted,
		Answer: &protocol.PeerAnswer{Username: "Banana_Fox", QuestionID: "q2", AnswerValue: "stale", Timestamp: 100},
	})
	conn.deliver(t, protocol.Frame{Type: protocol.MessageTypePing}) // fence: processed in order
	waitFor(t, "frames drained", func() bool { return len(conn.incoming) == 0 })

	raw, _ := env.store.Get(ctx, record.StorePeerAnswers, record.Key("Banana_Fox", "q2"))
	var a record.Answer
	if err := json.Unmarshal(raw, &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.Value != "C" {
		t.Fatalf("peer answer = %+v, stale write must lose", a)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	env := newTestEnv(t)
	if err := env.coord.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	env.dialer.latest().drop()
	waitFor(t, "reconnecting state", func() bool { return env.coord.State() == StateReconnecting })

	env.clock.Advance(2 * time.Second)
	waitFor(t, "reconnected", func() bool { return env.coord.State() == StateConnected })
	if env.dialer.dials() != 2 {
		t.Fatalf("dials = %d, want 2", env.dialer.dials())
	}
}

func TestGiveUpThenManualReconnect(t *testing.T) {
	env := newTestEnv(t)
	env.dialer.setFail(true)

	if err := env.coord.Connect(context.Background()); err == nil {
		t.Fatal("Connect should fail when the dialer refuses")
	}
	if got := env.coord.State(); got != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", got)
	}

	// Burn through the retry budget.
	for i := 0; i < 5; i++ {
		env.clock.Advance(6 * time.Second)
	}
	waitFor(t, "gave up", func() bool { return env.coord.State() == StateDisconnected })

	// No timer left: time passing changes nothing.
	env.clock.Advance(time.Minute)
	if got := env.coord.State(); got != StateDisconnected {
		t.Fatalf("state = %s after give-up, want disconnected", got)
	}

	env.dialer.setFail(false)
	if err := env.coord.ManualReconnect(context.Background()); err != nil {
		t.Fatalf("ManualReconnect: %v", err)
	}
	if got := env.coord.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
}
