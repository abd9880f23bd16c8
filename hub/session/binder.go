// Package session maps users to volatile session records holding the most
// recently selected element, and hands out tool contexts bound to those
// sessions for AI tooling consumers.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/domlens/domlens/pkg/protocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionMismatch = errors.New("session does not belong to user")
)

// Session is the per-user record of the latest reported element. The session
// identifier is assigned at creation time and is independent of any one
// connection.
type Session struct {
	SessionID      string                `json:"session_id"`
	UserID         string                `json:"user_id"`
	CurrentElement *protocol.ElementData `json:"current_element,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// ToolContext is a consumer-side handle bound to a session, used by the
// tool-execution layer to answer "what is currently selected" queries.
type ToolContext struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Binder exclusively owns the session and tool-context records. All map
// mutations are serialized under one mutex; the zero value is not usable,
// construct with New so tests get isolated instances.
type Binder struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session     // user_id -> session
	byID     map[string]*Session     // session_id -> session
	contexts map[string]*ToolContext // session_id -> context
}

// New creates an empty binder.
func New(logger *slog.Logger) *Binder {
	return &Binder{
		logger:   logger.With("component", "session-binder"),
		sessions: make(map[string]*Session),
		byID:     make(map[string]*Session),
		contexts: make(map[string]*ToolContext),
	}
}

// BindElement records the latest element for a user, creating the session on
// first use. Last write wins by arrival order, regardless of which connection
// reported it. Returns a snapshot of the session after the bind.
func (b *Binder) BindElement(userID string, el *protocol.ElementData) Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess := b.sessions[userID]
	if sess == nil {
		sess = b.newSessionLocked(userID)
	}
	sess.CurrentElement = el
	sess.UpdatedAt = time.Now()
	return *sess
}

// GetSession returns a snapshot of the user's session, if one exists.
func (b *Binder) GetSession(userID string) (Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// GetSessionByID returns a snapshot of a session by its identifier.
func (b *Binder) GetSessionByID(sessionID string) (Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.byID[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// CreateContext binds a tool context to a user's session, creating the
// session if the user has none yet. When sessionID is non-empty it must name
// the user's current session. At most one context exists per session;
// repeated creation returns the existing handle.
func (b *Binder) CreateContext(userID, sessionID string) (ToolContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess := b.sessions[userID]
	if sess == nil {
		if sessionID != "" {
			return ToolContext{}, ErrSessionNotFound
		}
		sess = b.newSessionLocked(userID)
	}
	if sessionID != "" && sessionID != sess.SessionID {
		return ToolContext{}, ErrSessionMismatch
	}

	if tc, ok := b.contexts[sess.SessionID]; ok {
		return *tc, nil
	}

	tc := &ToolContext{
		SessionID: sess.SessionID,
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	b.contexts[sess.SessionID] = tc
	b.logger.Debug("tool context created", "session_id", sess.SessionID, "user_id", userID)
	return *tc, nil
}

// GetContext returns the tool context bound to a session, if any.
func (b *Binder) GetContext(sessionID string) (ToolContext, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tc, ok := b.contexts[sessionID]
	if !ok {
		return ToolContext{}, false
	}
	return *tc, true
}

// RemoveContext drops the tool context bound to a session. Unknown session
// identifiers are a no-op.
func (b *Binder) RemoveContext(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.contexts, sessionID)
}

// OnUserDisconnected tears down the user's session and any bound tool
// context. Invoked by the registry when the user's last connection closes.
func (b *Binder) OnUserDisconnected(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[userID]
	if !ok {
		return
	}
	delete(b.sessions, userID)
	delete(b.byID, sess.SessionID)
	delete(b.contexts, sess.SessionID)
	b.logger.Debug("session removed", "session_id", sess.SessionID, "user_id", userID)
}

// SessionCount returns the number of live sessions.
func (b *Binder) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Binder) newSessionLocked(userID string) *Session {
	now := time.Now()
	sess := &Session{
		SessionID: uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.sessions[userID] = sess
	b.byID[sess.SessionID] = sess
	b.logger.Debug("session created", "session_id", sess.SessionID, "user_id", userID)
	return sess
}
