package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS selections (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			connection_id TEXT NOT NULL DEFAULT '',
			selector TEXT NOT NULL,
			element JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_selections_user_id ON selections(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_selections_created_at ON selections(created_at)`,
		`CREATE TABLE IF NOT EXISTS connection_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			connection_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connection_events_user_id ON connection_events(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_connection_events_created_at ON connection_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) RecordSelection(ctx context.Context, sel *Selection) error {
	element := string(sel.Element)
	if element == "" {
		element = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO selections (id, user_id, session_id, connection_id, selector, element, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sel.ID, sel.UserID, sel.SessionID, sel.ConnectionID, sel.Selector, element, sel.CreatedAt)
	if err != nil {
		return fmt.Errorf("record selection: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSelections(ctx context.Context, userID string, limit int) ([]Selection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, connection_id, selector, element, created_at
		 FROM selections WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list selections: %w", err)
	}
	defer rows.Close()

	var out []Selection
	for rows.Next() {
		var sel Selection
		var element string
		if err := rows.Scan(&sel.ID, &sel.UserID, &sel.SessionID, &sel.ConnectionID,
			&sel.Selector, &element, &sel.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan selection: %w", err)
		}
		if element != "" {
			sel.Element = []byte(element)
		}
		out = append(out, sel)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountSelectionsByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM selections WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count selections: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) LogConnectionEvent(ctx context.Context, ev *ConnectionEvent) error {
	detail := string(ev.Detail)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_events (id, user_id, connection_id, action, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.UserID, ev.ConnectionID, ev.Action, detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("log connection event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConnectionEvents(ctx context.Context, userID string, limit int) ([]ConnectionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, connection_id, action, detail, created_at
		 FROM connection_events WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list connection events: %w", err)
	}
	defer rows.Close()

	var out []ConnectionEvent
	for rows.Next() {
		var ev ConnectionEvent
		var detail string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.ConnectionID, &ev.Action, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan connection event: %w", err)
		}
		if detail != "" {
			ev.Detail = []byte(detail)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PurgeOldSelections(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM selections WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge selections: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) PurgeOldConnectionEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connection_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge connection events: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
