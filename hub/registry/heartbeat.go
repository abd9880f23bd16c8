package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultPingInterval is how often the monitor probes every connection.
	DefaultPingInterval = 30 * time.Second
	// pingWriteWait bounds a single probe write so a wedged connection cannot
	// stall the sweep for others.
	pingWriteWait = 10 * time.Second
)

// Monitor periodically probes every registered connection and evicts peers
// that miss two consecutive cycles. One missed interval is tolerated (a lost
// packet); two mean the peer is gone.
type Monitor struct {
	reg      *Registry
	interval time.Duration
	logger   *slog.Logger
}

// NewMonitor creates a heartbeat monitor over a registry. A non-positive
// interval falls back to DefaultPingInterval.
func NewMonitor(reg *Registry, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	return &Monitor{
		reg:      reg,
		interval: interval,
		logger:   logger.With("component", "heartbeat"),
	}
}

// Interval returns the probe cadence.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Run probes on a fixed interval until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep runs one probe pass: connections that did not answer the previous
// probe are evicted; the rest are marked pending and probed again.
func (m *Monitor) sweep() {
	for _, c := range m.reg.snapshot() {
		if !c.consumeLiveness() {
			c.markEvicted()
			// Deregister before closing so no lookup can observe a
			// half-closed connection.
			m.reg.Unregister(c.ID())
			c.CloseWithReason(websocket.CloseGoingAway, "liveness timeout")
			m.logger.Info("evicted unresponsive connection",
				"conn_id", c.ID(), "user_id", c.UserID(), "last_seen", c.LastSeen())
			continue
		}
		if err := c.Ping(time.Now().Add(pingWriteWait)); err != nil {
			m.logger.Debug("probe write failed", "conn_id", c.ID(), "error", err)
		}
	}
}
