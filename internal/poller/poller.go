// Package poller implements the HTTP fallback: while realtime transports
// are down it periodically fetches new messages for the active conversation
// and feeds them through the same inbound path as realtime events.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberapp/chatlink/internal/cherr"
	"github.com/emberapp/chatlink/internal/metrics"
	"github.com/emberapp/chatlink/internal/timer"
	"github.com/emberapp/chatlink/internal/wire"
)

// Fetcher is the HTTP path, satisfied by the REST client.
type Fetcher interface {
	MessagesSince(ctx context.Context, conversationID, sinceID string) ([]wire.Message, error)
}

// Inbox is the consumer of polled messages, satisfied by the delivery
// coordinator. Routing through HandleIncoming gives polled and realtime
// messages one shared dedup point.
type Inbox interface {
	HandleIncoming(ev wire.Event)
	LastKnownMessageID(conversationID string) string
	ActiveConversation() string
}

// Poller drives the fallback fetch loop.
type Poller struct {
	interval time.Duration
	fetcher  Fetcher
	inbox    Inbox
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	tick *timer.Ticker
}

// New creates a stopped poller.
func New(interval time.Duration, fetcher Fetcher, inbox Inbox, m *metrics.Metrics, logger zerolog.Logger) *Poller {
	return &Poller{
		interval: interval,
		fetcher:  fetcher,
		inbox:    inbox,
		metrics:  m,
		logger:   logger.With().Str("component", "poller").Logger(),
		tick:     timer.NewTicker("poll"),
	}
}

// Start begins polling. Starting while running is a no-op, so the caller
// may invoke it on every degraded signal without tracking state.
func (p *Poller) Start() {
	if p.tick.Running() {
		return
	}
	p.logger.Info().Dur("interval", p.interval).Msg("fallback polling started")
	p.tick.Start(p.interval, p.poll)
}

// Stop halts polling. Safe to call repeatedly and while stopped.
func (p *Poller) Stop() {
	if !p.tick.Running() {
		return
	}
	p.tick.Stop()
	p.logger.Info().Msg("fallback polling stopped")
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	return p.tick.Running()
}

// poll runs one tick. A failed tick is logged and swallowed: the next tick
// retries from the same cursor, so no message is lost.
func (p *Poller) poll() {
	conversationID := p.inbox.ActiveConversation()
	if conversationID == "" {
		p.recordTick("idle")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	if err := p.pollOnce(ctx, conversationID); err != nil {
		p.recordTick("failed")
		p.logger.Warn().Err(err).Str("conversation", conversationID).Msg("poll tick failed")
		return
	}
	p.recordTick("ok")
}

// pollOnce fetches and dispatches one batch. A fetch failure is reported as
// cherr.ErrPollFailed.
func (p *Poller) pollOnce(ctx context.Context, conversationID string) error {
	sinceID := p.inbox.LastKnownMessageID(conversationID)
	msgs, err := p.fetcher.MessagesSince(ctx, conversationID, sinceID)
	if err != nil {
		return fmt.Errorf("%w: %v", cherr.ErrPollFailed, err)
	}

	for _, m := range msgs {
		p.inbox.HandleIncoming(wire.NewFromMessage(m))
	}
	if len(msgs) > 0 {
		p.logger.Debug().Int("messages", len(msgs)).Str("conversation", conversationID).Msg("poll fetched messages")
	}
	return nil
}

func (p *Poller) recordTick(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordPollTick(outcome)
	}
}
