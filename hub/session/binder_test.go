package session

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/domlens/domlens/pkg/protocol"
)

func TestBindElement_CreatesSessionOnFirstUse(t *testing.T) {
	b := New(slog.Default())

	sess := b.BindElement("u-1", &protocol.ElementData{Selector: "#login"})
	if sess.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if sess.UserID != "u-1" {
		t.Errorf("expected user u-1, got %q", sess.UserID)
	}
	if sess.CurrentElement == nil || sess.CurrentElement.Selector != "#login" {
		t.Errorf("unexpected element %+v", sess.CurrentElement)
	}

	got, ok := b.GetSession("u-1")
	if !ok {
		t.Fatal("session should be retrievable")
	}
	if got.SessionID != sess.SessionID {
		t.Error("GetSession returned a different session")
	}
}

func TestBindElement_LastWriteWins(t *testing.T) {
	b := New(slog.Default())

	first := b.BindElement("u-1", &protocol.ElementData{Selector: "#first"})
	second := b.BindElement("u-1", &protocol.ElementData{Selector: "#second"})

	if first.SessionID != second.SessionID {
		t.Error("rebinding must reuse the session")
	}

	sess, _ := b.GetSession("u-1")
	if sess.CurrentElement.Selector != "#second" {
		t.Errorf("expected #second, got %q", sess.CurrentElement.Selector)
	}
}

func TestGetSessionByID(t *testing.T) {
	b := New(slog.Default())
	sess := b.BindElement("u-1", &protocol.ElementData{Selector: "#x"})

	got, ok := b.GetSessionByID(sess.SessionID)
	if !ok || got.UserID != "u-1" {
		t.Errorf("expected session for u-1, got %+v ok=%v", got, ok)
	}

	if _, ok := b.GetSessionByID("missing"); ok {
		t.Error("unknown session id should not resolve")
	}
}

func TestCreateContext_CreatesSessionWhenAbsent(t *testing.T) {
	b := New(slog.Default())

	tc, err := b.CreateContext("u-1", "")
	if err != nil {
		t.Fatalf("CreateContext failed: %v", err)
	}
	if tc.SessionID == "" {
		t.Fatal("expected a session id")
	}

	sess, ok := b.GetSession("u-1")
	if !ok || sess.SessionID != tc.SessionID {
		t.Error("context creation should have created the session")
	}
}

func TestCreateContext_ValidatesOwnership(t *testing.T) {
	b := New(slog.Default())
	sess := b.BindElement("u-1", &protocol.ElementData{Selector: "#x"})
	b.BindElement("u-2", &protocol.ElementData{Selector: "#y"})

	if _, err := b.CreateContext("u-1", "no-such-session"); !errors.Is(err, ErrSessionMismatch) {
		t.Errorf("expected ErrSessionMismatch, got %v", err)
	}
	if _, err := b.CreateContext("u-3", "some-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := b.CreateContext("u-1", sess.SessionID); err != nil {
		t.Errorf("matching session id should succeed, got %v", err)
	}
}

func TestCreateContext_Idempotent(t *testing.T) {
	b := New(slog.Default())

	tc1, err := b.CreateContext("u-1", "")
	if err != nil {
		t.Fatal(err)
	}
	tc2, err := b.CreateContext("u-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if tc1.SessionID != tc2.SessionID || !tc1.CreatedAt.Equal(tc2.CreatedAt) {
		t.Error("repeated creation should return the existing context")
	}
}

func TestRemoveContext(t *testing.T) {
	b := New(slog.Default())
	tc, _ := b.CreateContext("u-1", "")

	b.RemoveContext(tc.SessionID)
	if _, ok := b.GetContext(tc.SessionID); ok {
		t.Error("context should be gone")
	}

	// Unknown id is a no-op.
	b.RemoveContext("missing")

	// Session survives context removal.
	if _, ok := b.GetSession("u-1"); !ok {
		t.Error("session should survive context removal")
	}
}

func TestOnUserDisconnected_TearsDownSessionAndContext(t *testing.T) {
	b := New(slog.Default())
	sess := b.BindElement("u-1", &protocol.ElementData{Selector: "#x"})
	if _, err := b.CreateContext("u-1", sess.SessionID); err != nil {
		t.Fatal(err)
	}

	b.OnUserDisconnected("u-1")

	if _, ok := b.GetSession("u-1"); ok {
		t.Error("session should be removed")
	}
	if _, ok := b.GetSessionByID(sess.SessionID); ok {
		t.Error("session id index should be cleaned")
	}
	if _, ok := b.GetContext(sess.SessionID); ok {
		t.Error("context should be removed")
	}
	if b.SessionCount() != 0 {
		t.Errorf("expected 0 sessions, got %d", b.SessionCount())
	}

	// Unknown user is a no-op.
	b.OnUserDisconnected("u-1")
}

func TestSessionsAreIndependentAcrossUsers(t *testing.T) {
	b := New(slog.Default())
	s1 := b.BindElement("u-1", &protocol.ElementData{Selector: "#a"})
	s2 := b.BindElement("u-2", &protocol.ElementData{Selector: "#b"})

	if s1.SessionID == s2.SessionID {
		t.Fatal("sessions must be per-user")
	}

	b.OnUserDisconnected("u-1")
	if _, ok := b.GetSession("u-2"); !ok {
		t.Error("u-2's session must be unaffected")
	}
}
