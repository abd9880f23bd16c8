package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/domlens/domlens/pkg/protocol"
)

// Wire is the subset of *websocket.Conn the registry writes to. Tests swap in
// a fake; production code always passes the real connection.
type Wire interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Conn is one registered duplex channel. The registry owns the record; the
// userID is a lookup key into the session space, never an owning reference.
type Conn struct {
	id     string
	userID string
	wire   Wire

	writeMu sync.Mutex // serializes all writes to the wire

	mu             sync.Mutex // guards liveness fields and currentElement
	alive          bool
	evicted        bool
	lastSeen       time.Time
	currentElement *protocol.ElementData
}

// ID returns the connection identifier, generated at accept time and never reused.
func (c *Conn) ID() string { return c.id }

// UserID returns the owning user identifier.
func (c *Conn) UserID() string { return c.userID }

// LastSeen returns the time of the most recent inbound traffic.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// MarkAlive records inbound traffic: the peer is alive and was just seen.
func (c *Conn) MarkAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = true
	c.lastSeen = time.Now()
}

// consumeLiveness reports whether the connection answered since the previous
// probe cycle, and arms the next one. A false return means two consecutive
// cycles went unanswered.
func (c *Conn) consumeLiveness() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

// Alive reports the current liveness flag.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Conn) markEvicted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = true
}

// Evicted reports whether the heartbeat monitor force-closed this connection.
func (c *Conn) Evicted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// SetCurrentElement records the most recent element payload reported on this
// connection.
func (c *Conn) SetCurrentElement(el *protocol.ElementData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentElement = el
}

// CurrentElement returns the most recent element payload, or nil.
func (c *Conn) CurrentElement() *protocol.ElementData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentElement
}

// WriteEnvelope marshals and sends an envelope on the wire.
func (c *Conn) WriteEnvelope(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.wire.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a WebSocket ping control frame. The deadline bounds the write so
// a wedged peer cannot stall the caller.
func (c *Conn) Ping(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.wire.WriteControl(websocket.PingMessage, nil, deadline)
}

// CloseWithReason sends a close frame with the given code and message, then
// closes the wire. Errors are ignored; the peer may already be gone.
func (c *Conn) CloseWithReason(code int, reason string) {
	c.writeMu.Lock()
	_ = c.wire.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
	c.writeMu.Unlock()
	_ = c.wire.Close()
}

// Close closes the underlying wire.
func (c *Conn) Close() error {
	return c.wire.Close()
}
