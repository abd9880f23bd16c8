// Package store defines analytics persistence for the hub and provides SQLite
// and PostgreSQL implementations. The hub's live state (connections, sessions)
// stays in memory; the store only records what happened for reporting.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the analytics persistence interface.
type Store interface {
	// Selections
	RecordSelection(ctx context.Context, sel *Selection) error
	ListSelections(ctx context.Context, userID string, limit int) ([]Selection, error)
	CountSelectionsByUser(ctx context.Context, userID string) (int, error)

	// Connection lifecycle events
	LogConnectionEvent(ctx context.Context, ev *ConnectionEvent) error
	ListConnectionEvents(ctx context.Context, userID string, limit int) ([]ConnectionEvent, error)

	// Data retention
	PurgeOldSelections(ctx context.Context, before time.Time) (int64, error)
	PurgeOldConnectionEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Selection records one accepted element-data message.
type Selection struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id"`
	ConnectionID string          `json:"connection_id"`
	Selector     string          `json:"selector"`
	Element      json.RawMessage `json:"element,omitempty"` // full reported payload
	CreatedAt    time.Time       `json:"created_at"`
}

// Connection event actions.
const (
	ActionConnect    = "connection.open"
	ActionDisconnect = "connection.close"
	ActionEvict      = "connection.evicted"
)

// ConnectionEvent records a connection lifecycle transition.
type ConnectionEvent struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	ConnectionID string          `json:"connection_id"`
	Action       string          `json:"action"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
