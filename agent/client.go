// Package agent implements the browser-agent side of the domlens protocol: a
// WebSocket client that reports the element the user is pointing at and keeps
// the connection alive across network failures.
package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/domlens/domlens/pkg/protocol"
)

// State is the client connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by operations on a client after Close.
var ErrClosed = fmt.Errorf("client is closed")

// Options configures a Client.
type Options struct {
	URL    string // hub WebSocket URL, e.g. "ws://localhost:8080/ws"
	UserID string
	Token  string // optional bearer token, sent as a query parameter

	BaseDelay   time.Duration // first reconnect delay; default 1s
	MaxDelay    time.Duration // reconnect delay cap; default 30s
	MaxAttempts int           // consecutive failed attempts before giving up; 0 = retry forever

	HeartbeatInterval time.Duration // default 25s, overridden by the hub's advertised schedule
	HandshakeTimeout  time.Duration // default 10s
	TLSSkipVerify     bool

	// OnConfirmed is invoked for each element-selected-confirmed from the hub.
	OnConfirmed func(protocol.ElementSelectedConfirmed)
	// OnServerError is invoked for error envelopes from the hub.
	OnServerError func(protocol.ErrorReport)
}

// Client is a reconnecting hub client. Run blocks and manages the connection;
// ReportElement may be called from any goroutine.
type Client struct {
	opts   Options
	logger *slog.Logger

	closed  chan struct{}      // closed by Close, wakes Run out of a backoff wait
	hbReset chan time.Duration // carries the hub's advertised heartbeat schedule

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	attempts   int
	pending    *protocol.ElementData // last reported element, re-sent after reconnect
	hbInterval time.Duration
	connID     string
}

// NewClient creates a client. Run must be called to connect.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		opts:       opts,
		logger:     logger.With("component", "agent"),
		closed:     make(chan struct{}),
		hbReset:    make(chan time.Duration, 1),
		state:      StateIdle,
		hbInterval: opts.HeartbeatInterval,
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the hub-assigned connection id of the current
// connection, empty when disconnected.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Run connects to the hub and blocks, reconnecting with exponential backoff
// until the context is canceled, Close is called, or the attempt budget is
// exhausted.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return ErrClosed
		}
		c.state = StateConnecting
		attempt := c.attempts
		c.mu.Unlock()

		if c.opts.MaxAttempts > 0 && attempt >= c.opts.MaxAttempts {
			return fmt.Errorf("giving up after %d failed attempts", attempt)
		}

		if err := c.connectOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.mu.Lock()
			if c.state == StateClosed {
				c.mu.Unlock()
				return ErrClosed
			}
			attempt = c.attempts
			c.attempts++
			c.mu.Unlock()
			c.logger.Warn("connection lost", "error", err, "attempt", attempt+1)
		}

		// The first retry after a failure waits the base delay; only
		// consecutive failures stretch it.
		delay := backoffDelay(c.opts.BaseDelay, c.opts.MaxDelay, attempt)
		c.logger.Info("reconnecting", "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.closed:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// backoffDelay returns min(base << attempt, max). Attempt counts consecutive
// failures; a successful connection resets it.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	// Guard against shift overflow before comparing.
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

func (c *Client) connectOnce(ctx context.Context) error {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("parse hub url: %w", err)
	}
	q := u.Query()
	q.Set("userId", c.opts.UserID)
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	if c.opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	pending := c.pending
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connID = ""
		if c.state == StateConnected {
			c.state = StateIdle
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.logger.Info("connected to hub", "url", c.opts.URL)

	// The hub considers the last reported element current state; after a
	// reconnect it has none, so replay it.
	if pending != nil {
		if err := c.sendElement(*pending); err != nil {
			return fmt.Errorf("replay pending element: %w", err)
		}
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go c.runHeartbeat(hbCtx)

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return ctx.Err()
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		env, err := protocol.ParseEnvelope(msg)
		if err != nil {
			c.logger.Warn("invalid message from hub", "error", err)
			continue
		}

		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeConnectionEstablished:
		var est protocol.ConnectionEstablished
		if err := json.Unmarshal(env.Payload, &est); err != nil {
			c.logger.Warn("bad connection-established payload", "error", err)
			return
		}
		c.mu.Lock()
		c.connID = est.ConnectionID
		if est.Liveness.HeartbeatIntervalMs > 0 {
			c.hbInterval = time.Duration(est.Liveness.HeartbeatIntervalMs) * time.Millisecond
		}
		interval := c.hbInterval
		c.mu.Unlock()

		// Reschedule the heartbeat loop before its first tick fires.
		select {
		case <-c.hbReset:
		default:
		}
		c.hbReset <- interval

		c.logger.Info("connection established", "conn_id", est.ConnectionID)

	case protocol.TypeElementSelectedConfirmed:
		var conf protocol.ElementSelectedConfirmed
		if err := json.Unmarshal(env.Payload, &conf); err != nil {
			c.logger.Warn("bad confirmation payload", "error", err)
			return
		}
		c.logger.Debug("element confirmed", "selector", conf.Selector, "session_id", conf.SessionID)
		if c.opts.OnConfirmed != nil {
			c.opts.OnConfirmed(conf)
		}

	case protocol.TypeError:
		var report protocol.ErrorReport
		_ = json.Unmarshal(env.Payload, &report)
		c.logger.Warn("hub reported error", "code", report.Code, "message", report.Message)
		if c.opts.OnServerError != nil {
			c.opts.OnServerError(report)
		}

	case protocol.TypeHeartbeat:
		// Heartbeat echo, nothing to do.

	default:
		c.logger.Debug("unhandled message from hub", "type", env.Type)
	}
}

// runHeartbeat sends application-level heartbeats on the advertised schedule.
// It lives and dies with a single connection.
func (c *Client) runHeartbeat(ctx context.Context) {
	c.mu.Lock()
	interval := c.hbInterval
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-c.hbReset:
			if d != interval {
				interval = d
				ticker.Reset(interval)
			}
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.Heartbeat{
				SentAt: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			if err := c.writeEnvelope(env); err != nil {
				c.logger.Debug("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

// ReportElement reports the element the user is pointing at. The element is
// remembered and replayed after a reconnect; when currently disconnected the
// call only queues it.
func (c *Client) ReportElement(el protocol.ElementData) error {
	if el.Selector == "" {
		return fmt.Errorf("element selector is required")
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending = &el
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.sendElement(el)
}

// ReportError forwards a client-side error to the hub.
func (c *Client) ReportError(code, message string) error {
	env, err := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorReport{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return err
	}
	return c.writeEnvelope(env)
}

func (c *Client) sendElement(el protocol.ElementData) error {
	env, err := protocol.NewEnvelope(protocol.TypeElementData, el)
	if err != nil {
		return err
	}
	return c.writeEnvelope(env)
}

func (c *Client) writeEnvelope(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close permanently closes the client. Run returns and no reconnect is
// attempted. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	close(c.closed)
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"))
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
