// Package api serves the chat UI, the conversation history endpoints and
// the streaming chat endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/secretplan/internal/agent"
	"github.com/nugget/secretplan/internal/agui"
	"github.com/nugget/secretplan/internal/buildinfo"
	"github.com/nugget/secretplan/internal/connwatch"
	"github.com/nugget/secretplan/internal/convert"
	"github.com/nugget/secretplan/internal/events"
	"github.com/nugget/secretplan/internal/messages"
	"github.com/nugget/secretplan/internal/web"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 10 << 20

// writeJSON encodes v to w, logging encoding failures at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Store is the conversation storage behind the history and chat
// endpoints.
type Store interface {
	GetMessages(ctx context.Context, conversationID string) ([]messages.Message, error)
	GetConversations(ctx context.Context) ([]string, error)
	OnComplete(conversationID string, input []messages.Message) func(ctx context.Context, res *agent.Result) error
}

// StateDeps are run dependencies that take the shared state a UI sends
// with each run.
type StateDeps interface {
	LoadState(raw json.RawMessage) error
}

// HealthReporter reports the health of watched services.
type HealthReporter interface {
	Status() []connwatch.Status
	Ready() bool
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	agent    *agent.Agent
	store    Store
	newDeps  func() StateDeps
	health   HealthReporter
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
	stats    *SessionStats
	upgrader websocket.Upgrader
}

// SessionStats tracks token usage since the server started.
type SessionStats struct {
	mu                sync.Mutex
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalRuns         int64
	TotalRequests     int64
	FailedRuns        int64
}

// Record adds one finished run.
func (s *SessionStats) Record(res *agent.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalRuns++
	s.TotalRequests += int64(res.Requests)
	s.TotalInputTokens += int64(res.Usage.InputTokens)
	s.TotalOutputTokens += int64(res.Usage.OutputTokens)
}

// RecordFailure counts a run that ended in an error.
func (s *SessionStats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailedRuns++
}

// SessionStatsSnapshot is a copy-safe snapshot of session stats.
type SessionStatsSnapshot struct {
	TotalInputTokens  int64             `json:"total_input_tokens"`
	TotalOutputTokens int64             `json:"total_output_tokens"`
	TotalRuns         int64             `json:"total_runs"`
	TotalRequests     int64             `json:"total_requests"`
	FailedRuns        int64             `json:"failed_runs"`
	Model             string            `json:"model"`
	Build             map[string]string `json:"build,omitempty"`
}

// Snapshot returns the current counters.
func (s *SessionStats) Snapshot() SessionStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatsSnapshot{
		TotalInputTokens:  s.TotalInputTokens,
		TotalOutputTokens: s.TotalOutputTokens,
		TotalRuns:         s.TotalRuns,
		TotalRequests:     s.TotalRequests,
		FailedRuns:        s.FailedRuns,
	}
}

// NewServer creates a new API server.
func NewServer(address string, port int, a *agent.Agent, store Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		agent:   a,
		store:   store,
		logger:  logger,
		stats:   &SessionStats{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// SetDepsFactory sets the constructor for per-run dependencies. Each chat
// run gets fresh dependencies loaded with the state the UI sent.
func (s *Server) SetDepsFactory(fn func() StateDeps) {
	s.newDeps = fn
}

// SetHealth sets the source of service health for /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// SetEventBus sets the bus the server publishes chat requests to and
// serves on /events/ws.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Handler returns the server's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat web UI
	web.RegisterRoutes(mux)

	// History endpoints
	mux.HandleFunc("GET /conversations/", s.handleConversations)
	mux.HandleFunc("GET /messages/", s.handleMessages)
	mux.HandleFunc("POST /rehydrate/", s.handleRehydrate)
	mux.HandleFunc("GET /display-messages/", s.handleDisplayMessages)

	// Agent runs
	mux.HandleFunc("POST /chat/", s.handleChat)

	// Health and introspection
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /events/ws", s.handleEventsWS)

	return s.withLogging(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

type healthResponse struct {
	Status   string             `json:"status"`
	Services []connwatch.Status `json:"services,omitempty"`
}

// handleHealth always answers 200; a service that is down only degrades
// the reported status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	if s.health != nil {
		resp.Services = s.health.Status()
		if !s.health.Ready() {
			resp.Status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	if s.agent != nil {
		snap.Model = s.agent.Model()
	}
	snap.Build = buildinfo.RuntimeInfo()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.GetConversations(r.Context())
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ids, s.logger)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.GetMessages(r.Context(), r.URL.Query().Get("conversation_id"))
	if err != nil {
		s.logger.Error("load messages failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	data, err := messages.Marshal(msgs)
	if err != nil {
		s.logger.Error("encode messages failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to encode messages")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

type rehydrateRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleRehydrate(w http.ResponseWriter, r *http.Request) {
	var req rehydrateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" {
		s.errorResponse(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	uiMsgs, ok := s.displayMessages(w, r, req.ConversationID, convert.Options{})
	if !ok {
		return
	}

	frame, err := agui.NewEncoder().Encode(agui.NewMessagesSnapshot(uiMsgs))
	if err != nil {
		s.logger.Error("encode snapshot failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to encode snapshot")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(frame)
}

func (s *Server) handleDisplayMessages(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("conversation_id")
	if id == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		writeJSON(w, map[string]any{"detail": agui.ValidationErrors{{
			Type: "missing",
			Loc:  []any{"query", "conversation_id"},
			Msg:  "Field required",
		}}}, s.logger)
		return
	}

	uiMsgs, ok := s.displayMessages(w, r, id, convert.Options{Events: true})
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, uiMsgs, s.logger)
}

// displayMessages loads a conversation and converts it for the UI. On
// failure it writes the error response and returns false.
func (s *Server) displayMessages(w http.ResponseWriter, r *http.Request, id string, opts convert.Options) ([]agui.Message, bool) {
	msgs, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		s.logger.Error("load messages failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load messages")
		return nil, false
	}
	uiMsgs, err := convert.ToUI(msgs, opts)
	if err != nil {
		s.logger.Error("convert messages failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return uiMsgs, true
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}
