// Package realtime implements the high-level channel client: a websocket
// with a hello/welcome handshake, named channel subscriptions, and
// publish/event framing. The concrete wire protocol is owned by the chat
// backend; this client only speaks its envelope.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/emberapp/chatlink/internal/cherr"
)

// Lifecycle event names reported to the lifecycle handler.
const (
	LifeConnected    = "connected"
	LifeDisconnected = "disconnected"
	LifeError        = "error"
)

// envelope is the channel protocol frame.
type envelope struct {
	Action  string          `json:"action"`            // hello, welcome, subscribe, publish, event, error
	Channel string          `json:"channel,omitempty"` // conversation id
	Event   string          `json:"event,omitempty"`   // payload type discriminator
	Payload json.RawMessage `json:"payload,omitempty"`
	Token   string          `json:"token,omitempty"`
	Message string          `json:"message,omitempty"` // error detail
}

// Config holds channel client configuration.
type Config struct {
	URL       string
	AuthToken string

	// HandshakeTimeout bounds the websocket dial and, absent a context
	// deadline, the hello/welcome exchange. Default 10s.
	HandshakeTimeout time.Duration
}

// EventHandler receives inbound channel events.
type EventHandler func(channel, event string, payload []byte)

// LifecycleHandler receives connection lifecycle transitions.
type LifecycleHandler func(event string, err error)

// Client is the high-level channel client.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	connected atomic.Bool
	closed    atomic.Bool

	mu          sync.Mutex
	conn        *websocket.Conn
	eventFn     EventHandler
	lifecycleFn LifecycleHandler

	stopCh chan struct{}
}

// NewClient creates a disconnected channel client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "channel").Logger(),
		stopCh: make(chan struct{}),
	}
}

// SetEventHandler registers the inbound event callback. Must be called
// before Connect.
func (c *Client) SetEventHandler(fn EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventFn = fn
}

// SetLifecycleHandler registers the lifecycle callback. Must be called
// before Connect.
func (c *Client) SetLifecycleHandler(fn LifecycleHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lifecycleFn = fn
}

// Connect dials the endpoint and completes the hello/welcome handshake.
// The context deadline bounds the whole exchange.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return cherr.ErrClosed
	}
	if c.connected.Load() {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.notifyLifecycle(LifeError, err)
		return fmt.Errorf("channel dial failed: %w", err)
	}

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		c.notifyLifecycle(LifeError, err)
		return err
	}

	if c.closed.Load() {
		conn.Close()
		return cherr.ErrClosed
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	go c.readLoop(conn)

	c.logger.Info().Str("url", c.cfg.URL).Msg("channel connected")
	c.notifyLifecycle(LifeConnected, nil)
	return nil
}

// handshake sends hello and waits for welcome.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	hello, _ := json.Marshal(envelope{Action: "hello", Token: c.cfg.AuthToken})
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: waiting for welcome: %v", cherr.ErrInitTimeout, err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Action {
		case "welcome":
			return nil
		case "error":
			return fmt.Errorf("handshake rejected: %s", env.Message)
		default:
			// Events arriving before welcome are discarded; the post-connect
			// resync refetches anything missed.
		}
	}
}

// Subscribe joins a channel's broadcast stream.
func (c *Client) Subscribe(channel string) error {
	return c.write(envelope{Action: "subscribe", Channel: channel})
}

// Publish sends an event to a channel.
func (c *Client) Publish(channel, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	return c.write(envelope{Action: "publish", Channel: channel, Event: event, Payload: raw})
}

func (c *Client) write(env envelope) error {
	if !c.connected.Load() {
		return cherr.ErrTransportUnavailable
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		err = conn.WriteMessage(websocket.TextMessage, data)
	} else {
		err = cherr.ErrTransportUnavailable
	}
	c.mu.Unlock()
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			if c.closed.Load() {
				return
			}
			c.logger.Warn().Err(err).Msg("channel read error")
			c.notifyLifecycle(LifeDisconnected, err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("channel parse error")
			continue
		}

		switch env.Action {
		case "event":
			c.mu.Lock()
			fn := c.eventFn
			c.mu.Unlock()
			if fn != nil {
				fn(env.Channel, env.Event, env.Payload)
			}
		case "error":
			c.logger.Warn().Str("detail", env.Message).Msg("channel server error")
		}
	}
}

func (c *Client) notifyLifecycle(event string, err error) {
	c.mu.Lock()
	fn := c.lifecycleFn
	c.mu.Unlock()
	if fn != nil {
		fn(event, err)
	}
}

// Connected reports the client's self-assessed liveness. This is the flag
// the orchestrator's health probe inspects.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close shuts the client down. Idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.connected.Store(false)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return conn.Close()
	}
	return nil
}
