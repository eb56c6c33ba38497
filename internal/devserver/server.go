// Package devserver is a reference backend that speaks the metagen chat
// protocol. It drives scripted turns over a small set of workspace tools and
// is used for local development and end-to-end tests.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/metagen/metagen/sdk/metagen"
)

// Config configures a Server.
type Config struct {
	// Workspace is the directory tools operate in. Defaults to the current
	// directory.
	Workspace string
	// Responder writes agent text. Defaults to a CannedResponder.
	Responder Responder
	// ChunkSize is the number of runes per agent chunk.
	ChunkSize int
	// ChunkDelay is the pause between agent chunks.
	ChunkDelay time.Duration
	// ApprovalTimeout bounds how long a gated tool waits for a decision.
	ApprovalTimeout time.Duration
	// RequireAuth rejects chat requests until /api/auth/login is called.
	RequireAuth bool
	Logger      *metagen.Logger
	Now         func() time.Time
}

type approvalKey struct {
	sessionID string
	toolID    string
}

// Server implements the backend HTTP API.
type Server struct {
	cfg       Config
	ws        *Workspace
	tools     *ToolRegistry
	responder Responder
	logger    *metagen.Logger

	mu            sync.Mutex
	authenticated bool
	turns         map[string]int
	spans         int
	pending       map[approvalKey]chan metagen.ApprovalResponseMessage
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		cfg.Workspace = cwd
	}
	ws, err := NewWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg.Responder == nil {
		cfg.Responder = NewCannedResponder()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 3
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = metagen.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Server{
		cfg:           cfg,
		ws:            ws,
		tools:         NewToolRegistry(),
		responder:     cfg.Responder,
		logger:        cfg.Logger,
		authenticated: !cfg.RequireAuth,
		turns:         make(map[string]int),
		pending:       make(map[approvalKey]chan metagen.ApprovalResponseMessage),
	}, nil
}

// Tools returns the tool registry.
func (s *Server) Tools() *ToolRegistry { return s.tools }

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /api/chat/approval-response", s.handleApprovalResponse)
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/system/info", s.handleSystemInfo)
	mux.HandleFunc("GET /api/system/health", s.handleHealth)
	mux.HandleFunc("POST /api/memory/clear", s.handleMemoryClear)
	return s.withVersion(mux)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev server listening", "addr", ln.Addr().String(), "workspace", s.ws.Root(), "responder", s.responder.Name())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// statusRecorder captures the response status for request logging. It keeps
// the writer flushable so streaming still works.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.Header.Get(metagen.HeaderAPIVersion); v != "" && v != metagen.APIVersion {
			s.logger.Warn("client API version differs", "client", v, "server", metagen.APIVersion, "path", r.URL.Path)
		}
		w.Header().Set(metagen.HeaderAPIVersion, metagen.APIVersion)

		reqLog := s.logger.StartRequest(r.Method, r.URL.Path)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		reqLog.Success(rec.status)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"success": false, "detail": detail})
}

// =============================================================================
// Chat
// =============================================================================

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req metagen.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeDetail(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		writeDetail(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if !s.isAuthenticated() {
		writeDetail(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	em := newEmitter(w, s.cfg.Now, s.countSpan)
	if err := s.runTurn(r.Context(), em, req); err != nil {
		s.logger.Debug("turn ended early", "session_id", req.SessionID, "error", err)
	}
}

func (s *Server) handleApprovalResponse(w http.ResponseWriter, r *http.Request) {
	var msg metagen.ApprovalResponseMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !msg.Decision.Valid() {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("invalid decision %q", msg.Decision))
		return
	}

	ch, ok := s.takePending(msg.SessionID, msg.ToolID)
	if !ok {
		writeDetail(w, http.StatusNotFound, "no pending approval for tool "+msg.ToolID)
		return
	}
	ch <- msg

	writeJSON(w, http.StatusOK, metagen.ApprovalAck{Success: true, ToolID: msg.ToolID, Decision: msg.Decision})
}

func (s *Server) addPending(sessionID, toolID string) chan metagen.ApprovalResponseMessage {
	ch := make(chan metagen.ApprovalResponseMessage, 1)
	s.mu.Lock()
	s.pending[approvalKey{sessionID, toolID}] = ch
	s.mu.Unlock()
	return ch
}

func (s *Server) dropPending(sessionID, toolID string) {
	s.mu.Lock()
	delete(s.pending, approvalKey{sessionID, toolID})
	s.mu.Unlock()
}

// takePending claims the waiter for toolID. An empty sessionID matches any
// session.
func (s *Server) takePending(sessionID, toolID string) (chan metagen.ApprovalResponseMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID != "" {
		key := approvalKey{sessionID, toolID}
		ch, ok := s.pending[key]
		delete(s.pending, key)
		return ch, ok
	}
	for key, ch := range s.pending {
		if key.toolID == toolID {
			delete(s.pending, key)
			return ch, true
		}
	}
	return nil, false
}

// =============================================================================
// Auth
// =============================================================================

func (s *Server) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Server) authStatus() map[string]any {
	status := map[string]any{
		"authenticated": s.isAuthenticated(),
		"services":      []string{"anthropic"},
		"provider":      "anthropic",
	}
	if s.isAuthenticated() {
		status["user_info"] = map[string]any{"email": "dev@localhost"}
	}
	return status
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.authStatus())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req metagen.LoginRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	s.mu.Lock()
	already := s.authenticated
	s.authenticated = true
	s.mu.Unlock()

	message := "Logged in as dev@localhost"
	if already && !req.Force {
		message = "Already authenticated"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": message,
		"status":  s.authStatus(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.authenticated = false
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, metagen.LogoutResponse{Success: true, Message: "Logged out"})
}

// =============================================================================
// Tools and system
// =============================================================================

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	var list metagen.ToolList
	for _, t := range s.tools.All() {
		list.Tools = append(list.Tools, metagen.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	list.Count = len(list.Tools)
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	names := s.tools.Names()
	writeJSON(w, http.StatusOK, metagen.SystemInfo{
		AgentName:   "metagen-dev",
		Model:       s.responder.Name(),
		Tools:       names,
		ToolCount:   len(names),
		MemoryPath:  s.ws.Root(),
		Initialized: true,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := metagen.HealthStatus{
		Status: "healthy",
		Components: map[string]metagen.Value{
			"agent":     metagen.StringValue("ok"),
			"responder": metagen.StringValue(s.responder.Name()),
			"workspace": metagen.StringValue("ok"),
		},
		Timestamp: metagen.Timestamp(s.cfg.Now()),
	}
	status := http.StatusOK
	if info, err := os.Stat(s.ws.Root()); err != nil || !info.IsDir() {
		health.Status = "unhealthy"
		health.Error = "workspace is not accessible"
		health.Components["workspace"] = metagen.StringValue("missing")
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// =============================================================================
// Memory
// =============================================================================

func (s *Server) countSpan() {
	s.mu.Lock()
	s.spans++
	s.mu.Unlock()
}

// beginTurn records a turn and reports whether the session is new.
func (s *Server) beginTurn(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID]++
	return s.turns[sessionID] == 1
}

func (s *Server) handleMemoryClear(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	turns := 0
	for _, n := range s.turns {
		turns += n
	}
	spans := s.spans
	s.turns = make(map[string]int)
	s.spans = 0
	s.mu.Unlock()
	s.responder.Forget("")

	writeJSON(w, http.StatusOK, metagen.MemoryClearResult{
		Message:                  "Memory cleared",
		ConversationTurnsDeleted: turns,
		TelemetrySpansDeleted:    spans,
	})
}
