// Package api provides the HTTP surface of the hub: the WebSocket endpoint,
// health checks, and the REST routes that AI tooling uses to inspect live
// connections, read bound sessions, and manage tool contexts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/domlens/domlens/hub/auth"
	"github.com/domlens/domlens/hub/config"
	"github.com/domlens/domlens/hub/registry"
	"github.com/domlens/domlens/hub/router"
	"github.com/domlens/domlens/hub/session"
	"github.com/domlens/domlens/hub/store"
	"github.com/domlens/domlens/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	registry     *registry.Registry
	binder       *session.Binder
	store        store.Store
	authProvider auth.Provider // nil when open access is configured
	router       *router.Router
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
}

// NewServer creates the API server and wires its routes.
func NewServer(reg *registry.Registry, binder *session.Binder, st store.Store, ap auth.Provider, rt *router.Router, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		registry:     reg,
		binder:       binder,
		store:        st,
		authProvider: ap,
		router:       rt,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket endpoint for browser agents (auth handled inside).
	mux.Get("/ws", rt.HandleWS)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		if ap != nil {
			r.Use(srv.authMiddleware)
		}
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/connections", srv.handleListConnections)
		r.Get("/api/connections/{connID}", srv.handleGetConnection)
		r.Get("/api/sessions/{userID}", srv.handleGetSession)
		r.Post("/api/contexts", srv.handleCreateContext)
		r.Get("/api/contexts/{sessionID}", srv.handleGetContext)
		r.Delete("/api/contexts/{sessionID}", srv.handleRemoveContext)
		r.Get("/api/selections", srv.handleListSelections)
		r.Get("/api/selections/count", srv.handleCountSelections)
		r.Get("/api/events", srv.handleListEvents)
		r.Post("/api/notify", srv.handleNotify)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup for the rate limiter.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).Truncate(time.Second).String(),
		"connections": s.registry.Len(),
		"sessions":    s.binder.SessionCount(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Connection handlers ---

// connectionInfo is the REST view of a live registry entry.
type connectionInfo struct {
	ID             string                `json:"id"`
	UserID         string                `json:"userId"`
	Alive          bool                  `json:"alive"`
	LastSeen       time.Time             `json:"lastSeen"`
	CurrentElement *protocol.ElementData `json:"currentElement,omitempty"`
}

func connInfo(c *registry.Conn) connectionInfo {
	return connectionInfo{
		ID:             c.ID(),
		UserID:         c.UserID(),
		Alive:          c.Alive(),
		LastSeen:       c.LastSeen(),
		CurrentElement: c.CurrentElement(),
	}
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}

	conns := s.registry.ListByUser(userID)
	result := make([]connectionInfo, 0, len(conns))
	for _, c := range conns {
		result = append(result, connInfo(c))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	c, ok := s.registry.Get(connID)
	if !ok {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	writeJSON(w, http.StatusOK, connInfo(c))
}

// --- Session and context handlers ---

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sess, ok := s.binder.GetSession(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for user")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		UserID    string `json:"userId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	tc, err := s.binder.CreateContext(req.UserID, req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrSessionMismatch):
			writeError(w, http.StatusConflict, "session does not belong to user")
		default:
			writeError(w, http.StatusInternalServerError, "failed to create context")
		}
		return
	}

	writeJSON(w, http.StatusCreated, tc)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	tc, ok := s.binder.GetContext(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no context for session")
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleRemoveContext(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	// Removal of an unknown context is a no-op.
	s.binder.RemoveContext(sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// --- History handlers ---

func (s *Server) handleListSelections(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "persistence is disabled")
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}
	limit := parseLimit(r, 100, 500)

	selections, err := s.store.ListSelections(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list selections")
		return
	}
	if selections == nil {
		selections = []store.Selection{}
	}
	writeJSON(w, http.StatusOK, selections)
}

func (s *Server) handleCountSelections(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "persistence is disabled")
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}

	count, err := s.store.CountSelectionsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count selections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId": userID,
		"count":  count,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "persistence is disabled")
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}
	limit := parseLimit(r, 100, 500)

	events, err := s.store.ListConnectionEvents(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list connection events")
		return
	}
	if events == nil {
		events = []store.ConnectionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Notify handler ---

// handleNotify pushes a server-initiated envelope to every live connection of
// a user and reports how many received it. Zero recipients is not an error.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		UserID  string          `json:"userId"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "userId and type are required")
		return
	}

	env, err := protocol.NewEnvelope(req.Type, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build envelope")
		return
	}
	env.Payload = req.Payload

	delivered := s.registry.NotifyUser(req.UserID, env)
	writeJSON(w, http.StatusOK, map[string]any{
		"delivered": delivered,
	})
}

// --- Helpers ---

func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
