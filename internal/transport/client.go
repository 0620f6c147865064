// Package transport owns the push-event session: websocket lifecycle,
// authentication handshake, bounded reconnection, and demultiplexing of
// inbound events to the rest of the engine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"zapdesk/internal/bus"
	"zapdesk/internal/health"
)

// Envelope is the wire format for all inbound push events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server message.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Wire event and command types.
const (
	envConnected    = "connected"
	envAuthError    = "auth-error"
	envNewMessage   = "new-message"
	envStatusUpdate = "message-status-update"

	cmdAuth  = "auth"
	cmdJoin  = "join-conversation"
	cmdLeave = "leave-conversation"
)

// ErrAuthRejected indicates the transport handshake was refused. Fatal to
// the session: no automatic retry, the consumer must re-authenticate.
var ErrAuthRejected = errors.New("transport authentication rejected")

// Config holds transport connection settings.
type Config struct {
	URL             string
	Token           string
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxAttempts     int
	StalenessWindow time.Duration
}

func (c *Config) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.StalenessWindow == 0 {
		c.StalenessWindow = 30 * time.Second
	}
}

// Established is the payload of conn.established events. Stale means the
// disconnection gap exceeded the staleness window (or this is the first
// session) and local state needs a REST resync before health can report
// connected.
type Established struct {
	First bool
	Gap   time.Duration
	Stale bool
}

// Lost is the payload of conn.lost events.
type Lost struct {
	Reason string
}

// Client manages the websocket session. It is the sole writer of the
// health machine; other components observe health via the machine or the
// conn.* bus events.
type Client struct {
	cfg     Config
	machine *health.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	runCtx         context.Context
	readCancel     context.CancelFunc
	reconnectTimer *time.Timer
	intentional    bool
	everConnected  bool
	attempt        int
	disconnectedAt time.Time
	handler        func(Envelope)
}

// NewClient creates a transport client. The health machine must start in
// Disconnected.
func NewClient(cfg Config, machine *health.Machine, b *bus.Bus, logger *zap.Logger) *Client {
	cfg.defaults()
	return &Client{
		cfg:     cfg,
		machine: machine,
		bus:     b,
		logger:  logger,
	}
}

// OnEnvelope registers the single inbound handler. Must be set before
// Connect; the router installs itself here.
func (c *Client) OnEnvelope(fn func(Envelope)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// State returns the current connection-health state.
func (c *Client) State() health.State {
	return c.machine.Current()
}

// Connect establishes the session. Idempotent: an existing live session is
// returned unchanged. The context bounds the whole session; cancelling it
// tears the connection down and stops reconnection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.machine.Current() {
	case health.Connected, health.Connecting, health.Degraded:
		c.mu.Unlock()
		return nil
	}
	c.intentional = false
	c.runCtx = ctx
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	if err := c.machine.Transition(health.Connecting); err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		_ = c.machine.Transition(health.Disconnected)
		return &DialError{Err: err}
	}

	if err := c.handshake(ctx, conn); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		_ = c.machine.Transition(health.Disconnected)
		if errors.Is(err, ErrAuthRejected) {
			c.bus.Publish(bus.Event{Kind: bus.KindConnAuthRejected, Timestamp: time.Now()})
		}
		return err
	}

	c.mu.Lock()
	first := !c.everConnected
	var gap time.Duration
	if !first {
		gap = time.Since(c.disconnectedAt)
	}
	stale := first || gap > c.cfg.StalenessWindow
	c.everConnected = true
	c.attempt = 0
	c.conn = conn
	readCtx, cancel := context.WithCancel(ctx)
	c.readCancel = cancel
	c.mu.Unlock()

	if stale {
		_ = c.machine.Transition(health.Degraded)
	} else {
		_ = c.machine.Transition(health.Connected)
	}

	c.bus.Publish(bus.Event{
		Kind:      bus.KindConnEstablished,
		Timestamp: time.Now(),
		Payload:   Established{First: first, Gap: gap, Stale: stale},
	})

	go c.readLoop(readCtx, conn)
	return nil
}

// handshake sends the auth command and waits for the server ack. A
// distinguished auth-error envelope maps to ErrAuthRejected.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	authCmd := Command{Type: cmdAuth, Payload: map[string]string{"token": c.cfg.Token}}
	data, err := json.Marshal(authCmd)
	if err != nil {
		return fmt.Errorf("marshal auth: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &DialError{Err: err}
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		return &DialError{Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode handshake ack: %w", err)
	}
	switch env.Type {
	case envConnected:
		return nil
	case envAuthError:
		return ErrAuthRejected
	default:
		return fmt.Errorf("unexpected handshake ack %q", env.Type)
	}
}

// Disconnect tears the session down: closes the socket, cancels any pending
// reconnect timer, and leaves the machine in Disconnected. Safe to call on
// an already-disconnected client.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if c.machine.Current() != health.Disconnected {
		_ = c.machine.Transition(health.Disconnected)
	}
}

// Send writes a command on the live session. Returns ErrNotConnected when
// no session exists; callers replay after reconnection instead of queuing
// here.
func (c *Client) Send(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// MarkFresh moves a degraded session to connected. The reconciler calls
// this once the post-gap REST resync has succeeded; until then health never
// reports connected.
func (c *Client) MarkFresh() {
	if c.machine.Current() == health.Degraded {
		_ = c.machine.Transition(health.Connected)
	}
}

// ErrNotConnected is returned by Send when no session exists.
var ErrNotConnected = errors.New("transport not connected")

// DialError wraps transient connection failures subject to reconnection.
type DialError struct {
	Err error
}

func (e *DialError) Error() string { return fmt.Sprintf("transport dial: %v", e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentional
			if c.conn == conn {
				c.conn = nil
			}
			c.disconnectedAt = time.Now()
			c.mu.Unlock()

			if intentional || ctx.Err() != nil {
				return
			}

			c.logger.Warn("transport connection lost", zap.Error(err))
			_ = c.machine.Transition(health.Disconnected)
			c.bus.Publish(bus.Event{
				Kind:      bus.KindConnLost,
				Timestamp: time.Now(),
				Payload:   Lost{Reason: err.Error()},
			})
			c.scheduleReconnect()
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("malformed push frame", zap.Error(err))
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

// scheduleReconnect arms the reconnect timer. Delay doubles from BaseDelay
// up to MaxDelay; after MaxAttempts consecutive failures the client stays
// disconnected until an explicit Connect.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.intentional {
		return
	}
	if c.attempt >= c.cfg.MaxAttempts {
		c.logger.Error("reconnect attempts exhausted",
			zap.Int("attempts", c.attempt))
		return
	}
	c.attempt++

	delay := c.cfg.BaseDelay << (c.attempt - 1)
	if delay > c.cfg.MaxDelay || delay < c.cfg.BaseDelay {
		delay = c.cfg.MaxDelay
	}
	ctx := c.runCtx

	c.logger.Info("scheduling reconnect",
		zap.Int("attempt", c.attempt),
		zap.Duration("delay", delay))

	c.reconnectTimer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		err := c.dial(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			c.logger.Error("reconnect refused: authentication rejected")
			return
		}
		c.logger.Warn("reconnect failed", zap.Error(err))
		c.scheduleReconnect()
	})
}
