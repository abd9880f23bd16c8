package registry

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestSweep_ProbesLiveConnections(t *testing.T) {
	reg := New(slog.Default())
	m := NewMonitor(reg, time.Second, slog.Default())

	w := &fakeWire{}
	c := reg.Register("u-1", w)

	m.sweep()

	w.mu.Lock()
	pings := w.pings
	w.mu.Unlock()
	if pings != 1 {
		t.Errorf("expected 1 ping, got %d", pings)
	}
	if _, ok := reg.Get(c.ID()); !ok {
		t.Error("connection should survive the first sweep")
	}
}

func TestSweep_EvictsAfterTwoMissedCycles(t *testing.T) {
	reg := New(slog.Default())
	rec := newDisconnectRecorder()
	reg.Subscribe(rec)
	m := NewMonitor(reg, time.Second, slog.Default())

	w := &fakeWire{}
	c := reg.Register("u-1", w)

	// First sweep: the peer was alive at registration, so it is only marked
	// pending and probed.
	m.sweep()
	if _, ok := reg.Get(c.ID()); !ok {
		t.Fatal("connection evicted too early")
	}
	if c.Evicted() {
		t.Fatal("connection marked evicted too early")
	}

	// No pong, no traffic. Second sweep evicts.
	m.sweep()
	if _, ok := reg.Get(c.ID()); ok {
		t.Fatal("connection should be evicted after two silent cycles")
	}
	if !c.Evicted() {
		t.Error("connection should carry the evicted mark")
	}
	if got := rec.count("u-1"); got != 1 {
		t.Errorf("expected one disconnect notification, got %d", got)
	}
}

func TestSweep_TrafficResetsTheClock(t *testing.T) {
	reg := New(slog.Default())
	m := NewMonitor(reg, time.Second, slog.Default())

	c := reg.Register("u-1", &fakeWire{})

	for i := 0; i < 5; i++ {
		m.sweep()
		// Simulates a pong or any inbound message between sweeps.
		c.MarkAlive()
	}

	if _, ok := reg.Get(c.ID()); !ok {
		t.Error("responsive connection must never be evicted")
	}
	if c.Evicted() {
		t.Error("responsive connection must not be marked evicted")
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	reg := New(slog.Default())
	m := NewMonitor(reg, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNewMonitor_DefaultInterval(t *testing.T) {
	m := NewMonitor(New(slog.Default()), 0, slog.Default())
	if m.Interval() != DefaultPingInterval {
		t.Errorf("expected default interval %v, got %v", DefaultPingInterval, m.Interval())
	}
}
