// Package router accepts WebSocket connections from browser agents, decodes
// inbound envelopes by type, and dispatches them to the registry and session
// binder.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/domlens/domlens/hub/auth"
	"github.com/domlens/domlens/hub/registry"
	"github.com/domlens/domlens/hub/session"
	"github.com/domlens/domlens/hub/store"
	"github.com/domlens/domlens/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Router handles the WebSocket endpoint and message dispatch.
type Router struct {
	registry     *registry.Registry
	binder       *session.Binder
	store        store.Store
	authProvider auth.Provider // nil: trust the client-supplied userId
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	pingInterval      time.Duration
	heartbeatInterval time.Duration
	maxMessageSize    int64
	maxConnsPerUser   int
}

// Options configures the Router.
type Options struct {
	AllowedOrigins    []string
	PingInterval      time.Duration // hub → client probe cadence (default 30s)
	HeartbeatInterval time.Duration // advertised client heartbeat cadence (default 25s)
	MaxMessageBytes   int64         // WebSocket read limit (default 64KB)
	MaxConnsPerUser   int           // 0 = default 10
}

// New creates a Router. The store and auth provider may be nil.
func New(reg *registry.Registry, binder *session.Binder, st store.Store, ap auth.Provider, logger *slog.Logger, opts Options) *Router {
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = registry.DefaultPingInterval
	}
	heartbeatInterval := opts.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 25 * time.Second
	}
	maxMsg := opts.MaxMessageBytes
	if maxMsg == 0 {
		maxMsg = 64 * 1024 // 64KB
	}
	maxConns := opts.MaxConnsPerUser
	if maxConns == 0 {
		maxConns = 10
	}

	return &Router{
		registry:          reg,
		binder:            binder,
		store:             st,
		authProvider:      ap,
		logger:            logger.With("component", "router"),
		upgrader:          makeUpgrader(opts.AllowedOrigins),
		pingInterval:      pingInterval,
		heartbeatInterval: heartbeatInterval,
		maxMessageSize:    maxMsg,
		maxConnsPerUser:   maxConns,
	}
}

// HandleWS accepts a browser-agent WebSocket connection. The owning user is
// identified by the userId query parameter; when an auth provider is
// configured the token is validated before the upgrade and must agree with
// the claimed user.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("userId")

	if r.authProvider != nil {
		// Token in query parameter because browsers cannot set custom headers
		// during the WebSocket handshake.
		tokenStr := req.URL.Query().Get("token")
		if tokenStr == "" {
			tokenStr = req.Header.Get("Authorization")
			tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
		}
		identity, err := r.authProvider.ValidateToken(req.Context(), tokenStr)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if userID == "" {
			userID = identity.UserID
		} else if userID != identity.UserID {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if userID == "" {
		http.Error(w, "userId query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadLimit(r.maxMessageSize)

	c := r.registry.Register(userID, conn)

	if r.registry.UserConnCount(userID) > r.maxConnsPerUser {
		r.registry.Unregister(c.ID())
		r.logger.Warn("too many connections for user", "user_id", userID, "limit", r.maxConnsPerUser)
		c.CloseWithReason(websocket.ClosePolicyViolation, "too many connections")
		return
	}

	// Native ping/pong keeps the liveness flag fresh between sweeps; the read
	// deadline spans two probe cycles so the monitor, not the socket, decides
	// eviction.
	pongWait := 2*r.pingInterval + 10*time.Second
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		c.MarkAlive()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	r.logConnectionEvent(c, store.ActionConnect, nil)
	r.logger.Info("agent connected", "conn_id", c.ID(), "user_id", userID)

	defer func() {
		action := store.ActionDisconnect
		if c.Evicted() {
			action = store.ActionEvict
		}
		// Idempotent: the heartbeat monitor may already have unregistered us.
		r.registry.Unregister(c.ID())
		_ = conn.Close()
		r.logConnectionEvent(c, action, nil)
		r.logger.Info("agent disconnected", "conn_id", c.ID(), "user_id", userID, "action", action)
	}()

	if env, err := protocol.NewEnvelope(protocol.TypeConnectionEstablished, protocol.ConnectionEstablished{
		ConnectionID: c.ID(),
		UserID:       userID,
		Liveness: protocol.LivenessConfig{
			PingIntervalMs:      r.pingInterval.Milliseconds(),
			HeartbeatIntervalMs: r.heartbeatInterval.Milliseconds(),
		},
	}); err == nil {
		if err := c.WriteEnvelope(env); err != nil {
			r.logger.Debug("connection-established write failed", "conn_id", c.ID(), "error", err)
			return
		}
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("read error", "conn_id", c.ID(), "error", err)
			return
		}
		// Any inbound traffic counts as liveness.
		c.MarkAlive()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		r.dispatch(c, msg)
	}
}

// dispatch parses raw bytes as an envelope and routes it by type. Malformed
// input and unknown types are answered with error envelopes and never mutate
// state.
func (r *Router) dispatch(c *registry.Conn, raw []byte) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		r.logger.Warn("malformed envelope", "conn_id", c.ID(), "error", err)
		r.sendError(c, protocol.Envelope{}, "malformed_envelope", "message is not a valid envelope")
		return
	}

	msg, err := protocol.DecodeInbound(env)
	if err != nil {
		code := "invalid_payload"
		if errors.Is(err, protocol.ErrUnknownType) {
			code = "unknown_message_type"
		}
		r.logger.Warn("undispatchable envelope", "conn_id", c.ID(), "type", env.Type, "error", err)
		r.sendError(c, env, code, err.Error())
		return
	}

	switch m := msg.(type) {
	case protocol.ElementData:
		r.handleElementData(c, env, m)

	case protocol.Heartbeat:
		// The read loop already marked the connection alive; echo so the
		// client can measure round trips.
		if reply, err := protocol.Reply(env, protocol.TypeHeartbeat, protocol.Heartbeat{
			SentAt: time.Now().UnixMilli(),
		}); err == nil {
			if err := c.WriteEnvelope(reply); err != nil {
				r.logger.Debug("heartbeat echo failed", "conn_id", c.ID(), "error", err)
			}
		}

	case protocol.ErrorReport:
		// Forward-only: client-side errors are logged, no state mutation.
		r.logger.Warn("client error report", "conn_id", c.ID(), "user_id", c.UserID(),
			"code", m.Code, "message", m.Message)
	}
}

func (r *Router) handleElementData(c *registry.Conn, env protocol.Envelope, el protocol.ElementData) {
	c.SetCurrentElement(&el)
	sess := r.binder.BindElement(c.UserID(), &el)

	if r.store != nil {
		raw, _ := json.Marshal(el)
		if err := r.store.RecordSelection(context.Background(), &store.Selection{
			ID:           uuid.New().String(),
			UserID:       c.UserID(),
			SessionID:    sess.SessionID,
			ConnectionID: c.ID(),
			Selector:     el.Selector,
			Element:      raw,
			CreatedAt:    time.Now(),
		}); err != nil {
			r.logger.Warn("failed to record selection", "user_id", c.UserID(), "error", err)
		}
	}

	reply, err := protocol.Reply(env, protocol.TypeElementSelectedConfirmed, protocol.ElementSelectedConfirmed{
		Selector:  el.Selector,
		SessionID: sess.SessionID,
	})
	if err != nil {
		return
	}
	if err := c.WriteEnvelope(reply); err != nil {
		r.logger.Debug("confirmation write failed", "conn_id", c.ID(), "error", err)
	}
}

func (r *Router) sendError(c *registry.Conn, correlate protocol.Envelope, code, message string) {
	env, err := protocol.Reply(correlate, protocol.TypeError, protocol.ErrorReport{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := c.WriteEnvelope(env); err != nil {
		r.logger.Debug("error reply failed", "conn_id", c.ID(), "error", err)
	}
}

func (r *Router) logConnectionEvent(c *registry.Conn, action string, detail json.RawMessage) {
	if r.store == nil {
		return
	}
	if err := r.store.LogConnectionEvent(context.Background(), &store.ConnectionEvent{
		ID:           uuid.New().String(),
		UserID:       c.UserID(),
		ConnectionID: c.ID(),
		Action:       action,
		Detail:       detail,
		CreatedAt:    time.Now(),
	}); err != nil {
		r.logger.Warn("failed to log connection event", "action", action, "error", err)
	}
}
