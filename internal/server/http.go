// Package server implements the quizpulse broker: the WebSocket hub
// with presence tracking, the REST delta-pull and submit endpoints, the
// durable answer store, and the hot peer-answer cache.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/quizpulse/quizpulse/internal/identity"
	"github.com/quizpulse/quizpulse/internal/protocol"
)

// Config holds broker configuration.
type Config struct {
	// Addr to listen on, e.g. ":8080".
	Addr string

	// PresenceTTL before a silent user is marked offline.
	PresenceTTL time.Duration

	// RedisURL enables the Redis cache provider when non-empty.
	// The in-memory provider always backs it.
	RedisURL string

	// DBPath is the broker's SQLite file.
	DBPath string

	Logger *log.Logger
}

// Server ties the hub, presence, store, cache and resolver together
// behind one HTTP listener. All shared state is constructed here and
// injected; nothing is package-global.
type Server struct {
	cfg      Config
	logger   *log.Logger
	store    *AnswerStore
	cache    *CacheChain
	redis    *RedisCache // nil unless configured
	presence *Presence
	hub      *Hub
	resolver *identity.Resolver

	startedAt time.Time
	listener  net.Listener
	httpSrv   *http.Server
}

// New constructs a broker. Call Start to begin serving.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}

	store, err := OpenAnswerStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open answer store: %w", err)
	}

	var redisCache *RedisCache
	providers := []CacheProvider{}
	if cfg.RedisURL != "" {
		redisCache, err = NewRedisCache(cfg.RedisURL)
		if err != nil {
			// Redis being down must not stop the broker; the chain
			// falls back to memory.
			cfg.Logger.Printf("redis cache unavailable, continuing without: %v", err)
		} else {
			providers = append(providers, redisCache)
		}
	}
	providers = append(providers, NewMemoryCache())

	presence := NewPresence(cfg.PresenceTTL, nil)
	hub := NewHub(presence, cfg.Logger)

	resolver, err := identity.New(store.RawDB(), store, cfg.Logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cache := NewCacheChain(cfg.Logger, providers...)

	// Rehydrate the cache from the durable store. The memory provider
	// starts empty after a restart; without this, delta pulls served
	// from the cache would silently omit answers submitted before the
	// restart.
	warmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	existing, err := store.Since(warmCtx, 0)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to warm cache: %w", err)
	}
	for _, a := range existing {
		if err := cache.Put(warmCtx, a); err != nil {
			cfg.Logger.Printf("cache warm put failed for %s/%s: %v", a.Username, a.QuestionID, err)
		}
	}
	if len(existing) > 0 {
		cfg.Logger.Printf("warmed cache with %d answers", len(existing))
	}

	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		store:     store,
		cache:     cache,
		redis:     redisCache,
		presence:  presence,
		hub:       hub,
		resolver:  resolver,
		startedAt: time.Now(),
	}, nil
}

// Handler returns the broker's HTTP routes. Exposed separately so
// tests can mount it on httptest.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.hub.HandleWS)
	mux.HandleFunc("/api/peer-data", s.handlePeerData)
	mux.HandleFunc("/api/submit-answer", s.handleSubmitAnswer)
	mux.HandleFunc("/api/batch-submit", s.handleBatchSubmit)
	mux.HandleFunc("/api/accounts", s.handleAccounts)
	mux.HandleFunc("/api/claims", s.handleCreateClaims)
	mux.HandleFunc("/api/claims/pending", s.handlePendingClaims)
	mux.HandleFunc("/api/claims/respond", s.handleRespondClaim)
	mux.HandleFunc("/api/claims/resolve", s.handleResolveClaim)
	mux.HandleFunc("/api/claims/orphans", s.handleOrphans)
	mux.HandleFunc("/api/notifications", s.handleNotifications)
	mux.HandleFunc("/api/notifications/read", s.handleNotificationRead)
	return mux
}

// Start begins listening and launches the hub loops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.hub.Start()
	s.httpSrv = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Printf("broker listening on %s", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the broker down gracefully.
func (s *Server) Stop() error {
	s.logger.Println("stopping broker")
	s.hub.Stop()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	return s.store.Close()
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:      "ok",
		Connections: s.hub.ClientCount(),
		Cache:       s.cache.Info(r.Context()),
		Uptime:      int64(time.Since(s.startedAt).Seconds()),
		Timestamp:   time.Now().UnixMilli(),
	})
}

func (s *Server) handlePeerData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "since must be a millisecond timestamp")
			return
		}
		since = parsed
	}

	total, err := s.store.Total(ctx)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	lastUpdate, err := s.store.LastUpdate(ctx)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Delta pulls are served from the hot cache when possible; a full
	// pull (since=0) and any cache failure fall through to the store.
	var rows []protocol.PeerAnswer
	cached := false
	if since > 0 {
		if fromCache, _, err := s.cache.Since(ctx, since); err == nil {
			rows = fromCache
			cached = true
		}
	}
	if !cached {
		rows, err = s.store.Since(ctx, since)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if rows == nil {
		rows = []protocol.PeerAnswer{}
	}

	writeJSON(w, http.StatusOK, protocol.PeerDataResponse{
		Data:       rows,
		Total:      total,
		Filtered:   len(rows),
		Cached:     cached,
		LastUpdate: lastUpdate,
	})
}

func (s *Server) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var a protocol.PeerAnswer
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		httpError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if a.Username == "" || a.QuestionID == "" {
		httpError(w, http.StatusBadRequest, "username and question_id are required")
		return
	}
	if a.Timestamp == 0 {
		a.Timestamp = time.Now().UnixMilli()
	}

	if err := s.acceptAnswer(r.Context(), a); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.presence.Heartbeat(a.Username)

	writeJSON(w, http.StatusOK, protocol.SubmitResponse{
		Success:   true,
		Timestamp: a.Timestamp,
		Broadcast: s.hub.ClientCount(),
	})
}

func (s *Server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req protocol.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed body")
		return
	}

	ctx := r.Context()
	count := 0
	for _, a := range req.Answers {
		if a.Username == "" || a.QuestionID == "" {
			continue
		}
		if a.Timestamp == 0 {
			a.Timestamp = time.Now().UnixMilli()
		}
		if _, err := s.store.Upsert(ctx, a); err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.cache.Put(ctx, a); err != nil {
			s.logger.Printf("cache put failed for %s/%s: %v", a.Username, a.QuestionID, err)
		}
		count++
	}

	// Batch contents aren't enumerated on the wire; clients react with
	// a full delta pull.
	s.hub.Broadcast(protocol.Frame{Type: protocol.MessageTypeBatchSubmitted, Count: count})

	writeJSON(w, http.StatusOK, protocol.BatchResponse{
		Success:   true,
		Count:     count,
		Broadcast: s.hub.ClientCount(),
	})
}

// acceptAnswer is the shared path for single submits: store, cache,
// broadcast.
func (s *Server) acceptAnswer(ctx context.Context, a protocol.PeerAnswer) error {
	if _, err := s.store.Upsert(ctx, a); err != nil {
		return err
	}
	if err := s.cache.Put(ctx, a); err != nil {
		s.logger.Printf("cache put failed for %s/%s: %v", a.Username, a.QuestionID, err)
	}
	s.hub.BroadcastAnswer(a)
	return nil
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		httpError(w, http.StatusBadRequest, "username is required")
		return
	}
	if err := s.store.UpsertAccount(r.Context(), req.Username, req.Role); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCreateClaims(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Orphan     string   `json:"orphanUsername"`
		Candidates []string `json:"candidates"`
		CreatedBy  string   `json:"createdBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed body")
		return
	}

	claims, err := s.resolver.CreateClaims(r.Context(), req.Orphan, req.Candidates, req.CreatedBy)
	if err != nil {
		writeResolverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Server) handlePendingClaims(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		httpError(w, http.StatusBadRequest, "username is required")
		return
	}
	claims, err := s.resolver.PendingFor(r.Context(), username)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if claims == nil {
		claims = []identity.Claim{}
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Server) handleRespondClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		ClaimID  string `json:"claimId"`
		Username string `json:"username"`
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed body")
		return
	}

	if err := s.resolver.Respond(r.Context(), req.ClaimID, req.Username, req.Response); err != nil {
		writeResolverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleResolveClaim(w http.ResponseWriter, r *http.Request) {
	orphan := r.URL.Query().Get("orphan")
	if orphan == "" {
		httpError(w, http.StatusBadRequest, "orphan is required")
		return
	}
	res, err := s.resolver.Resolve(r.Context(), orphan)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.resolver.DetectOrphans(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if orphans == nil {
		orphans = []string{}
	}
	writeJSON(w, http.StatusOK, orphans)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	teacher := r.URL.Query().Get("teacher")
	if teacher == "" {
		httpError(w, http.StatusBadRequest, "teacher is required")
		return
	}
	notes, err := s.resolver.Notifications(r.Context(), teacher)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if notes == nil {
		notes = []identity.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		httpError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.resolver.MarkRead(r.Context(), req.ID); err != nil {
		writeResolverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeResolverError(w http.ResponseWriter, err error) {
	if errors.Is(err, identity.ErrValidation) {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
