package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/domlens/domlens/pkg/protocol"
)

// fakeWire records writes so tests can assert on traffic without a socket.
type fakeWire struct {
	mu       sync.Mutex
	messages [][]byte
	pings    int
	closes   int
	writeErr error
}

func (f *fakeWire) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.messages = append(f.messages, cp)
	return nil
}

func (f *fakeWire) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if messageType == websocket.PingMessage {
		f.pings++
	}
	return nil
}

func (f *fakeWire) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeWire) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// disconnectRecorder counts OnUserDisconnected notifications per user.
type disconnectRecorder struct {
	mu    sync.Mutex
	fired map[string]int
}

func newDisconnectRecorder() *disconnectRecorder {
	return &disconnectRecorder{fired: make(map[string]int)}
}

func (d *disconnectRecorder) OnUserDisconnected(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fired[userID]++
}

func (d *disconnectRecorder) count(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired[userID]
}

func TestRegisterAndGet(t *testing.T) {
	reg := New(slog.Default())

	c := reg.Register("u-1", &fakeWire{})
	if c.ID() == "" {
		t.Fatal("expected a connection id")
	}
	if c.UserID() != "u-1" {
		t.Errorf("expected user u-1, got %q", c.UserID())
	}
	if !c.Alive() {
		t.Error("new connection should start alive")
	}

	got, ok := reg.Get(c.ID())
	if !ok || got != c {
		t.Error("Get should return the registered connection")
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 connection, got %d", reg.Len())
	}
}

func TestRegister_MultipleConnsPerUser(t *testing.T) {
	reg := New(slog.Default())

	c1 := reg.Register("u-1", &fakeWire{})
	c2 := reg.Register("u-1", &fakeWire{})
	if c1.ID() == c2.ID() {
		t.Fatal("connection ids must be unique")
	}

	if n := reg.UserConnCount("u-1"); n != 2 {
		t.Errorf("expected 2 connections for u-1, got %d", n)
	}
	if got := len(reg.ListByUser("u-1")); got != 2 {
		t.Errorf("ListByUser expected 2, got %d", got)
	}
}

func TestListByUser_UnknownUserIsEmpty(t *testing.T) {
	reg := New(slog.Default())
	conns := reg.ListByUser("nobody")
	if conns == nil {
		t.Fatal("expected empty slice, got nil")
	}
	if len(conns) != 0 {
		t.Errorf("expected no connections, got %d", len(conns))
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	reg := New(slog.Default())
	rec := newDisconnectRecorder()
	reg.Subscribe(rec)

	c := reg.Register("u-1", &fakeWire{})

	reg.Unregister(c.ID())
	reg.Unregister(c.ID())
	reg.Unregister("never-existed")

	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
	if got := rec.count("u-1"); got != 1 {
		t.Errorf("expected exactly one disconnect notification, got %d", got)
	}
}

func TestUnregister_LastConnFiresListener(t *testing.T) {
	reg := New(slog.Default())
	rec := newDisconnectRecorder()
	reg.Subscribe(rec)

	c1 := reg.Register("u-1", &fakeWire{})
	c2 := reg.Register("u-1", &fakeWire{})

	reg.Unregister(c1.ID())
	if got := rec.count("u-1"); got != 0 {
		t.Fatalf("listener fired with a connection still live, count %d", got)
	}

	reg.Unregister(c2.ID())
	if got := rec.count("u-1"); got != 1 {
		t.Errorf("expected one disconnect notification, got %d", got)
	}
}

func TestNotifyUser(t *testing.T) {
	reg := New(slog.Default())

	w1 := &fakeWire{}
	w2 := &fakeWire{}
	reg.Register("u-1", w1)
	reg.Register("u-1", w2)
	reg.Register("u-2", &fakeWire{})

	env, err := protocol.NewEnvelope("refresh-requested", nil)
	if err != nil {
		t.Fatal(err)
	}

	delivered := reg.NotifyUser("u-1", env)
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
	if w1.messageCount() != 1 || w2.messageCount() != 1 {
		t.Error("both connections should have received the envelope")
	}

	if delivered := reg.NotifyUser("nobody", env); delivered != 0 {
		t.Errorf("expected 0 deliveries for unknown user, got %d", delivered)
	}
}

func TestWriteEnvelope_SerializesJSON(t *testing.T) {
	reg := New(slog.Default())
	w := &fakeWire{}
	c := reg.Register("u-1", w)

	env, err := protocol.NewEnvelope(protocol.TypeConnectionEstablished, protocol.ConnectionEstablished{
		ConnectionID: c.ID(),
		UserID:       "u-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteEnvelope(env); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	w.mu.Lock()
	raw := w.messages[0]
	w.mu.Unlock()

	var decoded protocol.Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("written bytes are not a valid envelope: %v", err)
	}
	if decoded.Type != protocol.TypeConnectionEstablished {
		t.Errorf("unexpected type %q", decoded.Type)
	}
}

func TestSetCurrentElement_LastWriteWins(t *testing.T) {
	reg := New(slog.Default())
	c := reg.Register("u-1", &fakeWire{})

	c.SetCurrentElement(&protocol.ElementData{Selector: "#first"})
	c.SetCurrentElement(&protocol.ElementData{Selector: "#second"})

	el := c.CurrentElement()
	if el == nil || el.Selector != "#second" {
		t.Errorf("expected #second, got %+v", el)
	}
}

func TestMarkAlive_UpdatesLastSeen(t *testing.T) {
	reg := New(slog.Default())
	c := reg.Register("u-1", &fakeWire{})

	before := c.LastSeen()
	time.Sleep(2 * time.Millisecond)
	c.MarkAlive()
	if !c.LastSeen().After(before) {
		t.Error("MarkAlive should advance lastSeen")
	}
}

func TestCloseAll(t *testing.T) {
	reg := New(slog.Default())
	w1 := &fakeWire{}
	w2 := &fakeWire{}
	reg.Register("u-1", w1)
	reg.Register("u-2", w2)

	reg.CloseAll()

	w1.mu.Lock()
	c1 := w1.closes
	w1.mu.Unlock()
	w2.mu.Lock()
	c2 := w2.closes
	w2.mu.Unlock()
	if c1 == 0 || c2 == 0 {
		t.Error("CloseAll should close every wire")
	}
}
