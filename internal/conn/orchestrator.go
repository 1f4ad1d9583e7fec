// Package conn implements the connection orchestrator: it owns the
// high-level channel client and the raw socket fallback, drives the
// degrade/reconnect/health-check/resync state machine, and routes outbound
// frames to the best available transport.
package conn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberapp/chatlink/internal/backoff"
	"github.com/emberapp/chatlink/internal/cherr"
	"github.com/emberapp/chatlink/internal/metrics"
	"github.com/emberapp/chatlink/internal/realtime"
	"github.com/emberapp/chatlink/internal/timer"
	"github.com/emberapp/chatlink/internal/transport"
	"github.com/emberapp/chatlink/internal/wire"
)

// ChannelTransport is the high-level pub/sub client the orchestrator
// prefers. Satisfied by *realtime.Client.
type ChannelTransport interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Subscribe(channel string) error
	Publish(channel, event string, payload any) error
	SetEventHandler(fn realtime.EventHandler)
	SetLifecycleHandler(fn realtime.LifecycleHandler)
}

// RawTransport is the standing socket fallback. Satisfied by
// *transport.Socket.
type RawTransport interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Send(data []byte) bool
	Stats() transport.Stats
	On(ev transport.Event, fn transport.Handler) int
}

// Config holds the orchestrator's tunables.
type Config struct {
	InitTimeout    time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	HealthInterval time.Duration
}

// ReconnectContext tracks the backoff schedule. Reset on every successful
// connect.
type ReconnectContext struct {
	Attempt        int           `json:"attempt"`
	NextDelay      time.Duration `json:"next_delay"`
	IsReconnecting bool          `json:"is_reconnecting"`
}

// HealthSnapshot records probe timestamps. Updated only by the probe.
type HealthSnapshot struct {
	LastCheckedAt   time.Time `json:"last_checked_at"`
	LastKnownGoodAt time.Time `json:"last_known_good_at"`
}

// Status is a diagnostics projection of the orchestrator.
type Status struct {
	State         string           `json:"state"`
	Reconnect     ReconnectContext `json:"reconnect"`
	Health        HealthSnapshot   `json:"health"`
	Socket        transport.Stats  `json:"socket"`
	Subscriptions int              `json:"subscriptions"`
}

// Orchestrator maintains the best available connection to the chat backend
// and hides its degradation from callers.
type Orchestrator struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	channel ChannelTransport
	raw     RawTransport
	sched   backoff.Config

	mu        sync.Mutex
	state     State
	rc        ReconnectContext
	health    HealthSnapshot
	subs      map[string]struct{}
	userID    string
	exhausted bool
	listeners []func(Event)
	inbound   func(wire.Event)

	retryTimer *timer.Timer
	healthTick *timer.Ticker

	closed atomic.Bool
	gen    atomic.Uint64
}

// New wires an orchestrator to its two transports.
func New(cfg Config, channel ChannelTransport, raw RawTransport, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		metrics: m,
		channel: channel,
		raw:     raw,
		sched:   backoff.Config{BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay, MaxAttempts: cfg.MaxAttempts},
		state:   StateDisconnected,
		rc:      ReconnectContext{NextDelay: cfg.BaseDelay},
		subs:    make(map[string]struct{}),

		retryTimer: timer.New("reconnect"),
		healthTick: timer.NewTicker("health-check"),
	}

	channel.SetEventHandler(o.onChannelEvent)
	channel.SetLifecycleHandler(func(event string, err error) {
		switch event {
		case realtime.LifeDisconnected, realtime.LifeError:
			o.onTransportDown(err)
		}
	})
	raw.On(transport.EventDisconnected, func(n transport.Notification) { o.onTransportDown(n.Err) })
	raw.On(transport.EventMessage, func(n transport.Notification) { o.onRawFrame(n.Data) })

	return o
}

// Events registers a listener for orchestrator notifications.
func (o *Orchestrator) Events(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// OnInbound registers the handler for decoded inbound wire events from
// either transport.
func (o *Orchestrator) OnInbound(fn func(wire.Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inbound = fn
}

// SetUser records the local user id stamped on join payloads.
func (o *Orchestrator) SetUser(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.userID = id
}

// Initialize establishes the channel client within the init timeout and
// eagerly starts the raw socket as a standing fallback. It never returns a
// connection error: a failed channel handshake silently degrades to the raw
// socket and the reconnect schedule.
func (o *Orchestrator) Initialize(ctx context.Context) {
	if o.closed.Load() {
		return
	}
	o.setState(StateConnecting)

	// The raw socket is layered under the channel client, not an
	// alternative to it; bring it up regardless of the handshake outcome.
	go func() {
		if err := o.raw.Connect(context.Background()); err != nil {
			o.recordConnect("socket", "failed")
		} else {
			o.recordConnect("socket", "ok")
		}
	}()

	ictx, cancel := context.WithTimeout(ctx, o.cfg.InitTimeout)
	defer cancel()
	if err := o.channel.Connect(ictx); err != nil {
		o.recordConnect("channel", "failed")
		o.logger.Info().Err(err).Msg("realtime init failed, continuing degraded")
		o.setState(StateDegraded)
		o.scheduleReconnect()
	} else {
		o.recordConnect("channel", "ok")
		o.onChannelUp()
	}

	o.healthTick.Start(o.cfg.HealthInterval, o.healthCheck)
}

// Join adds a conversation to the subscription set and, when the channel is
// live, issues the subscribe and join immediately. The set survives
// reconnects by value: every member is re-joined after each reconnect.
func (o *Orchestrator) Join(conversationID string) {
	o.mu.Lock()
	o.subs[conversationID] = struct{}{}
	userID := o.userID
	o.mu.Unlock()

	if o.channel.Connected() {
		o.issueJoin(conversationID, userID)
	}
}

// Leave removes a conversation from the subscription set.
func (o *Orchestrator) Leave(conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.subs, conversationID)
}

func (o *Orchestrator) issueJoin(conversationID, userID string) {
	if err := o.channel.Subscribe(conversationID); err != nil {
		o.logger.Warn().Err(err).Str("conversation", conversationID).Msg("subscribe failed")
		return
	}
	join := wire.Join{ConversationID: conversationID, UserID: userID}
	if err := o.channel.Publish(conversationID, wire.TypeJoin, join); err != nil {
		o.logger.Warn().Err(err).Str("conversation", conversationID).Msg("join publish failed")
	}
}

// SendEvent routes an outbound event: channel client when it self-reports
// connected, then the raw socket, otherwise false. Never an error — the
// delivery layer escalates to HTTP on false.
func (o *Orchestrator) SendEvent(conversationID string, ev wire.Event) bool {
	if o.channel.Connected() {
		if err := o.channel.Publish(conversationID, ev.EventType(), ev); err == nil {
			o.recordSend("channel", "ok")
			return true
		}
		o.recordSend("channel", "failed")
	}

	if o.raw.Connected() {
		data, err := wire.Encode(ev)
		if err != nil {
			o.logger.Error().Err(err).Msg("frame encode failed")
			return false
		}
		if o.raw.Send(data) {
			o.recordSend("socket", "ok")
			return true
		}
		o.recordSend("socket", "failed")
		return false
	}

	return false
}

// Connected reports whether any realtime transport is usable. This is the
// only connection query the delivery layer may use.
func (o *Orchestrator) Connected() bool {
	return o.channel.Connected() || o.raw.Connected()
}

// onTransportDown reacts to a disconnected/error lifecycle event from
// either transport.
func (o *Orchestrator) onTransportDown(err error) {
	if o.closed.Load() {
		return
	}
	if err != nil {
		o.logger.Warn().Err(err).Msg("transport down")
	}
	o.scheduleReconnect()
}

// scheduleReconnect arranges a single retry after the backoff delay. The
// IsReconnecting guard makes concurrent triggers (lifecycle event racing a
// health tick) collapse into one timer.
func (o *Orchestrator) scheduleReconnect() {
	if o.closed.Load() {
		return
	}

	o.mu.Lock()
	if o.rc.IsReconnecting {
		o.mu.Unlock()
		return
	}

	if o.rc.Attempt >= o.cfg.MaxAttempts {
		first := !o.exhausted
		o.exhausted = true
		o.rc.IsReconnecting = true
		o.mu.Unlock()

		if first {
			o.setState(StateError)
			o.emit(Event{Kind: KindReconnectFailed, State: StateError, Err: cherr.ErrReconnectExhausted})
			o.logger.Warn().Int("attempts", o.cfg.MaxAttempts).Msg("reconnect attempts exhausted, polling takes over")
		}

		// Opportunistic background recovery: keep probing at the max delay
		// so the cheaper transport is reclaimed if the network comes back.
		gen := o.gen.Load()
		o.retryTimer.Schedule(o.cfg.MaxDelay, func() { o.attemptReconnect(gen) })
		return
	}

	o.rc.Attempt++
	attempt := o.rc.Attempt
	delay := o.sched.Delay(attempt)
	o.rc.NextDelay = delay
	o.rc.IsReconnecting = true
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ReconnectsTotal.Inc()
	}
	o.setState(StateReconnecting)
	o.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")

	gen := o.gen.Load()
	o.retryTimer.Schedule(delay, func() { o.attemptReconnect(gen) })
}

// attemptReconnect runs one scheduled retry. A stale generation means the
// orchestrator was torn down after the timer was armed.
func (o *Orchestrator) attemptReconnect(gen uint64) {
	if o.closed.Load() || gen != o.gen.Load() {
		return
	}

	if !o.raw.Connected() {
		go func() { _ = o.raw.Connect(context.Background()) }()
	}

	wasConnected := o.channel.Connected()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.InitTimeout)
	err := o.channel.Connect(ctx)
	cancel()

	o.mu.Lock()
	o.rc.IsReconnecting = false
	o.mu.Unlock()

	if err != nil {
		o.recordConnect("channel", "failed")
		o.scheduleReconnect()
		return
	}

	o.recordConnect("channel", "ok")
	if wasConnected {
		// Channel never actually dropped (a raw-socket-only blip): reset the
		// schedule without re-running resync.
		o.resetReconnect()
		o.setState(StateConnected)
		return
	}
	o.onChannelUp()
}

// onChannelUp runs state resync after a successful (re)connect: every
// member of the subscription set is re-joined before the connection is
// declared usable, then state_synced is emitted so dependent layers can
// re-fetch anything missed while disconnected.
func (o *Orchestrator) onChannelUp() {
	o.mu.Lock()
	subs := make([]string, 0, len(o.subs))
	for id := range o.subs {
		subs = append(subs, id)
	}
	userID := o.userID
	o.mu.Unlock()

	for _, id := range subs {
		o.issueJoin(id, userID)
	}

	o.resetReconnect()
	o.setState(StateConnected)
	o.emit(Event{Kind: KindStateSynced, State: StateConnected})
	o.logger.Info().Int("rejoined", len(subs)).Msg("state resync complete")
}

func (o *Orchestrator) resetReconnect() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rc = ReconnectContext{NextDelay: o.cfg.BaseDelay}
	o.exhausted = false
	o.health.LastKnownGoodAt = time.Now()
}

// healthCheck inspects the transport's self-reported status. Some failure
// modes leave a socket that looks alive but stops delivering frames, so
// passive lifecycle events alone are insufficient.
func (o *Orchestrator) healthCheck() {
	if o.closed.Load() {
		return
	}

	o.mu.Lock()
	o.health.LastCheckedAt = time.Now()
	o.mu.Unlock()

	if o.channel.Connected() {
		o.mu.Lock()
		o.health.LastKnownGoodAt = time.Now()
		o.mu.Unlock()
		return
	}

	o.onTransportDown(nil)
}

func (o *Orchestrator) onChannelEvent(channel, event string, payload []byte) {
	o.dispatchInbound(payload)
}

func (o *Orchestrator) onRawFrame(data []byte) {
	o.dispatchInbound(data)
}

func (o *Orchestrator) dispatchInbound(data []byte) {
	if o.closed.Load() {
		return
	}
	ev, err := wire.Decode(data)
	if err != nil {
		o.logger.Debug().Err(err).Msg("discarding undecodable frame")
		return
	}

	o.mu.Lock()
	fn := o.inbound
	o.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// State returns the current connection state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ReconnectState returns a copy of the reconnect context.
func (o *Orchestrator) ReconnectState() ReconnectContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rc
}

// Health returns a copy of the health snapshot.
func (o *Orchestrator) Health() HealthSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.health
}

// Subscriptions returns the joined conversation ids.
func (o *Orchestrator) Subscriptions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.subs))
	for id := range o.subs {
		out = append(out, id)
	}
	return out
}

// Stats returns a diagnostics projection.
func (o *Orchestrator) Stats() Status {
	o.mu.Lock()
	state := o.state
	rc := o.rc
	health := o.health
	subs := len(o.subs)
	o.mu.Unlock()

	return Status{
		State:         state.String(),
		Reconnect:     rc,
		Health:        health,
		Socket:        o.raw.Stats(),
		Subscriptions: subs,
	}
}

// Teardown cancels all timers, clears the subscription set, and disconnects
// both transports. Idempotent.
func (o *Orchestrator) Teardown() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	o.gen.Add(1)

	o.retryTimer.Stop()
	o.healthTick.Stop()

	o.mu.Lock()
	o.subs = make(map[string]struct{})
	o.rc = ReconnectContext{NextDelay: o.cfg.BaseDelay}
	old := o.state
	o.state = StateDisconnected
	listeners := append([]func(Event){}, o.listeners...)
	o.mu.Unlock()

	_ = o.channel.Close()
	_ = o.raw.Close()

	if old != StateDisconnected {
		for _, fn := range listeners {
			fn(Event{Kind: KindStateChanged, Previous: old, State: StateDisconnected})
		}
	}
	o.logger.Info().Msg("orchestrator torn down")
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	if o.state == s {
		o.mu.Unlock()
		return
	}
	old := o.state
	o.state = s
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordStateChange(s.String())
	}
	o.emit(Event{Kind: KindStateChanged, Previous: old, State: s})
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	listeners := append([]func(Event){}, o.listeners...)
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (o *Orchestrator) recordConnect(transportName, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordConnect(transportName, outcome)
	}
}

func (o *Orchestrator) recordSend(transportName, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordSend(transportName, outcome)
	}
}
