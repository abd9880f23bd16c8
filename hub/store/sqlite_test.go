package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSelection(userID, selector string, at time.Time) *Selection {
	return &Selection{
		ID:           uuid.New().String(),
		UserID:       userID,
		SessionID:    "sess-1",
		ConnectionID: "conn-1",
		Selector:     selector,
		Element:      json.RawMessage(`{"selector":"` + selector + `","tagName":"button"}`),
		CreatedAt:    at,
	}
}

func TestRecordAndListSelections(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	now := time.Now()
	for _, sel := range []string{"#a", "#b", "#c"} {
		if err := s.RecordSelection(ctx, newSelection("u-1", sel, now)); err != nil {
			t.Fatalf("RecordSelection failed: %v", err)
		}
	}
	if err := s.RecordSelection(ctx, newSelection("u-2", "#other", now)); err != nil {
		t.Fatal(err)
	}

	selections, err := s.ListSelections(ctx, "u-1", 10)
	if err != nil {
		t.Fatalf("ListSelections failed: %v", err)
	}
	if len(selections) != 3 {
		t.Fatalf("expected 3 selections, got %d", len(selections))
	}
	for _, sel := range selections {
		if sel.UserID != "u-1" {
			t.Errorf("got selection for wrong user %q", sel.UserID)
		}
	}

	count, err := s.CountSelectionsByUser(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}
}

func TestListSelections_Limit(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.RecordSelection(ctx, newSelection("u-1", "#x", time.Now())); err != nil {
			t.Fatal(err)
		}
	}

	selections, err := s.ListSelections(ctx, "u-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(selections) != 2 {
		t.Errorf("expected 2 selections, got %d", len(selections))
	}
}

func TestConnectionEvents(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for _, action := range []string{ActionConnect, ActionEvict} {
		err := s.LogConnectionEvent(ctx, &ConnectionEvent{
			ID:           uuid.New().String(),
			UserID:       "u-1",
			ConnectionID: "conn-1",
			Action:       action,
			CreatedAt:    time.Now(),
		})
		if err != nil {
			t.Fatalf("LogConnectionEvent failed: %v", err)
		}
	}

	events, err := s.ListConnectionEvents(ctx, "u-1", 10)
	if err != nil {
		t.Fatalf("ListConnectionEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestRetentionPurge(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := s.RecordSelection(ctx, newSelection("u-1", "#old", old)); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSelection(ctx, newSelection("u-1", "#new", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.LogConnectionEvent(ctx, &ConnectionEvent{
		ID: uuid.New().String(), UserID: "u-1", ConnectionID: "conn-1",
		Action: ActionConnect, CreatedAt: old,
	}); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().Add(-24 * time.Hour)

	n, err := s.PurgeOldSelections(ctx, cutoff)
	if err != nil {
		t.Fatalf("PurgeOldSelections failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged selection, got %d", n)
	}

	n, err = s.PurgeOldConnectionEvents(ctx, cutoff)
	if err != nil {
		t.Fatalf("PurgeOldConnectionEvents failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged event, got %d", n)
	}

	selections, err := s.ListSelections(ctx, "u-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(selections) != 1 || selections[0].Selector != "#new" {
		t.Errorf("expected only the recent selection to survive, got %+v", selections)
	}
}

func TestPing(t *testing.T) {
	s := setupStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
