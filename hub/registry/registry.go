// Package registry owns the set of live WebSocket connections, keyed by a
// generated connection identifier and tagged with the owning user. It also
// runs the heartbeat monitor that evicts unresponsive peers.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/domlens/domlens/pkg/protocol"
)

// Listener observes user-level connection events. OnUserDisconnected fires
// exactly once when a user's last connection is unregistered, synchronously
// inside the unregister call, before the identifier can be observed again.
type Listener interface {
	OnUserDisconnected(userID string)
}

// Registry is the single owner of all live connection records.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	conns     map[string]*Conn            // conn_id -> conn
	byUser    map[string]map[string]*Conn // user_id -> conn_id -> conn
	listeners []Listener
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "registry"),
		conns:  make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
	}
}

// Subscribe adds a listener for user disconnect events. Not safe to call
// after connections start arriving; wire listeners at construction time.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register adds a connection for a user and returns its record. Registration
// never fails for a structurally valid connection; the returned identifier is
// unique and never reused.
func (r *Registry) Register(userID string, w Wire) *Conn {
	c := &Conn{
		id:       uuid.New().String(),
		userID:   userID,
		wire:     w,
		alive:    true,
		lastSeen: time.Now(),
	}

	r.mu.Lock()
	r.conns[c.id] = c
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Conn)
	}
	r.byUser[userID][c.id] = c
	r.mu.Unlock()

	r.logger.Debug("connection registered", "conn_id", c.id, "user_id", userID)
	return c
}

// Unregister removes a connection. Unknown identifiers are a no-op. When the
// removed connection was the user's last, listeners are notified before the
// call returns, so no later lookup can observe a half-closed connection.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	userConns := r.byUser[c.userID]
	delete(userConns, connID)
	last := len(userConns) == 0
	if last {
		delete(r.byUser, c.userID)
	}
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	r.logger.Debug("connection unregistered", "conn_id", connID, "user_id", c.userID, "last", last)

	if last {
		for _, l := range listeners {
			l.OnUserDisconnected(c.userID)
		}
	}
}

// Get returns the connection for an identifier, if present.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// ListByUser returns all connections owned by a user. A user with no
// connections yields an empty slice, never an error.
func (r *Registry) ListByUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// UserConnCount returns the number of live connections for a user.
func (r *Registry) UserConnCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Len returns the total number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// NotifyUser sends an envelope to every connection owned by a user and
// returns how many writes succeeded. Write failures are left to the heartbeat
// monitor and read loops to clean up.
func (r *Registry) NotifyUser(userID string, env protocol.Envelope) int {
	conns := r.ListByUser(userID)
	sent := 0
	for _, c := range conns {
		if err := c.WriteEnvelope(env); err != nil {
			r.logger.Debug("notify write failed", "conn_id", c.ID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// snapshot returns all registered connections for a heartbeat sweep.
func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// CloseAll force-closes and unregisters every connection. Used at shutdown.
func (r *Registry) CloseAll() {
	for _, c := range r.snapshot() {
		r.Unregister(c.ID())
		_ = c.Close()
	}
}
