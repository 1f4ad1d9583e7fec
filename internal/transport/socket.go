// Package transport implements the raw channel client: one physical
// websocket, an explicit bounded outbound queue, and basic event emission.
// It is the standing fallback beneath the high-level channel client; the
// connection orchestrator owns reconnection, this layer never redials on
// its own.
package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/emberapp/chatlink/internal/cherr"
)

// Event names emitted by the socket.
type Event string

const (
	EventConnected    Event = "connected"
	EventDisconnected Event = "disconnected"
	EventError        Event = "error"
	EventMessage      Event = "message"
)

// Notification carries an event to handlers. Data is set for EventMessage,
// Err for EventError and abnormal EventDisconnected.
type Notification struct {
	Event Event
	Data  []byte
	Err   error
}

// Handler receives notifications registered via On.
type Handler func(Notification)

// Config holds socket configuration.
type Config struct {
	// URL is the websocket endpoint, e.g. "wss://chat.emberapp.dev/ws".
	URL string

	// AuthToken is sent as a bearer token on the handshake request.
	AuthToken string

	// QueueSize bounds the outbound queue used while disconnected.
	// Oldest entries are dropped on overflow. Default 10.
	QueueSize int

	// HandshakeTimeout bounds the websocket dial. Default 10s.
	HandshakeTimeout time.Duration

	// PingInterval is how often protocol-level pings are sent while
	// connected. Default 25s.
	PingInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 10
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 25 * time.Second
	}
}

// Stats is a read-only diagnostics snapshot. It is a projection for
// observability; authoritative connection state lives in the orchestrator.
type Stats struct {
	State                string    `json:"state"`
	ReconnectionAttempts int       `json:"reconnection_attempts"`
	MessageQueueSize     int       `json:"message_queue_size"`
	LastHeartbeatSent    time.Time `json:"last_heartbeat_sent"`
	IsConnected          bool      `json:"is_connected"`
}

type queuedFrame struct {
	data     []byte
	queuedAt time.Time
	attempts int
}

// Socket is the raw channel client.
type Socket struct {
	emitter

	cfg    Config
	logger zerolog.Logger

	connected atomic.Bool
	closed    atomic.Bool

	mu            sync.Mutex
	conn          *websocket.Conn
	queue         []queuedFrame
	dials         int
	lastHeartbeat time.Time

	stopCh chan struct{}
}

// New creates a disconnected socket.
func New(cfg Config, logger zerolog.Logger) *Socket {
	cfg.applyDefaults()
	return &Socket{
		cfg:    cfg,
		logger: logger.With().Str("component", "socket").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Connect dials the endpoint and starts the read and ping loops. It does
// not retry; the orchestrator drives reconnection. On success any queued
// frames are retransmitted best-effort.
func (s *Socket) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return cherr.ErrClosed
	}
	if s.connected.Load() {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	header := http.Header{}
	if s.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		s.emit(Notification{Event: EventError, Err: err})
		return err
	}
	if s.closed.Load() {
		conn.Close()
		return cherr.ErrClosed
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.dials++
	s.mu.Unlock()
	s.connected.Store(true)

	go s.readLoop(conn, done)
	go s.pingLoop(conn, done)

	s.logger.Info().Str("url", s.cfg.URL).Msg("socket connected")
	s.emit(Notification{Event: EventConnected})

	s.drainQueue(conn)
	return nil
}

// Send transmits immediately when connected and returns true. Otherwise the
// frame joins the bounded outbound queue (drop-oldest on overflow) and Send
// returns false.
func (s *Socket) Send(data []byte) bool {
	if s.connected.Load() {
		s.mu.Lock()
		conn := s.conn
		var err error
		if conn != nil {
			err = conn.WriteMessage(websocket.TextMessage, data)
		}
		s.mu.Unlock()
		if conn != nil && err == nil {
			return true
		}
		// A failed write means the connection is effectively down; fall
		// through to queueing. The read loop will surface the disconnect.
	}

	s.mu.Lock()
	s.enqueueLocked(queuedFrame{data: data, queuedAt: time.Now()})
	size := len(s.queue)
	s.mu.Unlock()
	s.logger.Debug().Int("queue_size", size).Msg("frame queued while disconnected")
	return false
}

func (s *Socket) enqueueLocked(f queuedFrame) {
	if len(s.queue) >= s.cfg.QueueSize {
		s.queue = s.queue[1:]
		s.logger.Warn().Msg("outbound queue full, dropping oldest frame")
	}
	s.queue = append(s.queue, f)
}

// drainQueue retransmits queued frames. Best-effort: a frame that fails
// again increments its attempt count and stays queued under the same
// overflow policy.
func (s *Socket) drainQueue(conn *websocket.Conn) {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for i, f := range pending {
		s.mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, f.data)
		s.mu.Unlock()
		if err != nil {
			s.mu.Lock()
			f.attempts++
			s.enqueueLocked(f)
			for _, rest := range pending[i+1:] {
				s.enqueueLocked(rest)
			}
			s.mu.Unlock()
			s.logger.Warn().Err(err).Int("requeued", len(pending)-i).Msg("queue drain interrupted")
			return
		}
	}
	if len(pending) > 0 {
		s.logger.Info().Int("sent", len(pending)).Msg("outbound queue drained")
	}
}

func (s *Socket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connected.Store(false)
			if s.closed.Load() {
				return
			}
			s.logger.Warn().Err(err).Msg("socket read error")
			s.emit(Notification{Event: EventDisconnected, Err: err})
			return
		}
		s.emit(Notification{Event: EventMessage, Data: data})
	}
}

func (s *Socket) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// The read loop surfaces the disconnect.
				return
			}
			s.mu.Lock()
			s.lastHeartbeat = time.Now()
			s.mu.Unlock()
		}
	}
}

// emit fans a notification out to handlers, isolating panics per handler.
func (s *Socket) emit(n Notification) {
	for _, h := range s.snapshot(n.Event) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Str("event", string(n.Event)).Msg("event handler panicked")
				}
			}()
			h(n)
		}()
	}
}

// Connected reports the socket's self-assessed liveness.
func (s *Socket) Connected() bool {
	return s.connected.Load()
}

// Stats returns a diagnostics snapshot.
func (s *Socket) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := "disconnected"
	if s.closed.Load() {
		state = "closed"
	} else if s.connected.Load() {
		state = "connected"
	}

	attempts := s.dials - 1
	if attempts < 0 {
		attempts = 0
	}

	return Stats{
		State:                state,
		ReconnectionAttempts: attempts,
		MessageQueueSize:     len(s.queue),
		LastHeartbeatSent:    s.lastHeartbeat,
		IsConnected:          s.connected.Load(),
	}
}

// Close shuts the socket down. Idempotent.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	s.connected.Store(false)

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.queue = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return conn.Close()
	}
	return nil
}
