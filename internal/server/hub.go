package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/quizpulse/quizpulse/internal/protocol"
)

// Hub manages WebSocket connections: identify/heartbeat/ping/subscribe
// handling, presence bookkeeping, and fan-out of broadcast frames.
type Hub struct {
	presence *Presence
	logger   *log.Logger

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*hubClient

	broadcast chan protocol.Frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sweepInterval overrides Presence.SweepInterval when > 0 (tests).
	sweepInterval time.Duration
}

type hubClient struct {
	mu            sync.Mutex
	username      string
	subscriptions map[string]bool
}

// NewHub creates a hub over the given presence tracker.
func NewHub(presence *Presence, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		presence:  presence,
		logger:    logger,
		clients:   make(map[*websocket.Conn]*hubClient),
		broadcast: make(chan protocol.Frame, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the broadcast loop and the presence sweep loop.
func (h *Hub) Start() {
	h.wg.Add(2)
	go h.broadcastLoop()
	go h.sweepLoop()
}

// Stop closes every connection and waits for the loops to exit.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// ClientCount returns the number of live WebSocket connections.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a frame for delivery to every connected client.
// Dropped (with a log line) if the queue is full.
func (h *Hub) Broadcast(f protocol.Frame) {
	select {
	case h.broadcast <- f:
	case <-h.ctx.Done():
	default:
		h.logger.Printf("broadcast queue full, dropping %s frame", f.Type)
	}
}

// BroadcastAnswer announces one accepted answer: an answer_submitted
// frame for everyone plus a realtime_update for subscribers of that
// question.
func (h *Hub) BroadcastAnswer(a protocol.PeerAnswer) {
	h.Broadcast(protocol.Frame{Type: protocol.MessageTypeAnswerSubmitted, Answer: &a})

	update, err := protocol.Encode(protocol.Frame{
		Type:   protocol.MessageTypeRealtimeUpdate,
		Answer: &a,
	})
	if err != nil {
		h.logger.Printf("failed to encode realtime update: %v", err)
		return
	}

	for conn, cl := range h.snapshotClients() {
		cl.mu.Lock()
		subscribed := cl.subscriptions[a.QuestionID]
		cl.mu.Unlock()
		if subscribed {
			h.writeConn(conn, update)
		}
	}
}

// HandleWS upgrades an HTTP request and runs the connection's read
// loop until it drops.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	cl := &hubClient{subscriptions: make(map[string]bool)}
	h.clientsMu.Lock()
	h.clients[conn] = cl
	total := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Printf("client connected (total: %d)", total)

	h.sendFrame(conn, protocol.Frame{
		Type:      protocol.MessageTypeConnected,
		Timestamp: time.Now().UnixMilli(),
	})

	h.wg.Add(1)
	go h.readLoop(conn, cl)
}

func (h *Hub) readLoop(conn *websocket.Conn, cl *hubClient) {
	defer h.wg.Done()
	defer h.removeClient(conn, cl)

	for {
		_, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			h.logger.Printf("dropping malformed frame: %v", err)
			continue
		}
		h.handleFrame(conn, cl, frame)
	}
}

func (h *Hub) handleFrame(conn *websocket.Conn, cl *hubClient, f protocol.Frame) {
	switch f.Type {
	case protocol.MessageTypeIdentify:
		if f.Username == "" {
			return
		}
		cl.mu.Lock()
		cl.username = f.Username
		cl.mu.Unlock()

		wentOnline := h.presence.Identify(f.Username)
		h.sendFrame(conn, protocol.Frame{
			Type:  protocol.MessageTypePresenceSnapshot,
			Users: h.presence.Online(),
		})
		if wentOnline {
			h.Broadcast(protocol.Frame{Type: protocol.MessageTypeUserOnline, Username: f.Username})
		}

	case protocol.MessageTypeHeartbeat:
		if f.Username != "" {
			h.presence.Heartbeat(f.Username)
		}

	case protocol.MessageTypePing:
		h.sendFrame(conn, protocol.Frame{Type: protocol.MessageTypePong})

	case protocol.MessageTypeSubscribe:
		if f.QuestionID != "" {
			cl.mu.Lock()
			cl.subscriptions[f.QuestionID] = true
			cl.mu.Unlock()
		}

	default:
		// Unknown frame types are ignored, not errors.
	}
}

func (h *Hub) removeClient(conn *websocket.Conn, cl *hubClient) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; !exists {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	total := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")

	cl.mu.Lock()
	username := cl.username
	cl.mu.Unlock()
	if username != "" {
		// Presence decides offline later, after the TTL.
		h.presence.Disconnect(username)
	}
	h.logger.Printf("client disconnected (total: %d)", total)
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case f := <-h.broadcast:
			if f.Timestamp == 0 {
				f.Timestamp = time.Now().UnixMilli()
			}
			data, err := protocol.Encode(f)
			if err != nil {
				h.logger.Printf("failed to encode %s frame: %v", f.Type, err)
				continue
			}
			for conn := range h.snapshotClients() {
				h.writeConn(conn, data)
			}
		}
	}
}

// sweepLoop periodically expires silent users and announces them
// offline.
func (h *Hub) sweepLoop() {
	defer h.wg.Done()

	interval := h.sweepInterval
	if interval <= 0 {
		interval = h.presence.SweepInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			for _, username := range h.presence.Sweep() {
				h.logger.Printf("user %s timed out, marking offline", username)
				h.Broadcast(protocol.Frame{Type: protocol.MessageTypeUserOffline, Username: username})
			}
		}
	}
}

func (h *Hub) snapshotClients() map[*websocket.Conn]*hubClient {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	out := make(map[*websocket.Conn]*hubClient, len(h.clients))
	for conn, cl := range h.clients {
		out[conn] = cl
	}
	return out
}

func (h *Hub) sendFrame(conn *websocket.Conn, f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		h.logger.Printf("failed to encode %s frame: %v", f.Type, err)
		return
	}
	h.writeConn(conn, data)
}

func (h *Hub) writeConn(conn *websocket.Conn, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Printf("failed to write to client: %v", err)
	}
}
