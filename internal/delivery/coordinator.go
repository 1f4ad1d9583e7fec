// Package delivery implements the message delivery coordinator: optimistic
// sends keyed by client nonce, ack/broadcast reconciliation, duplicate
// suppression, manual retry, and the merged pending+confirmed conversation
// view. Nonces are the identity of a send; server ids only exist after
// confirmation.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/emberapp/chatlink/internal/cherr"
	"github.com/emberapp/chatlink/internal/metrics"
	"github.com/emberapp/chatlink/internal/wire"
)

// Sender is the realtime path, satisfied by the connection orchestrator.
// SendEvent returns false when no realtime transport accepted the frame.
type Sender interface {
	SendEvent(conversationID string, ev wire.Event) bool
	Connected() bool
}

// Poster is the HTTP path, satisfied by the REST client.
type Poster interface {
	PostMessage(ctx context.Context, conversationID, content, clientNonce string) (wire.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Archive persists confirmed messages. Satisfied by the sqlite store; may
// be nil when the client runs without local persistence.
type Archive interface {
	SaveMessages(ctx context.Context, msgs []wire.Message) error
}

// Config holds coordinator tunables.
type Config struct {
	// UserID is the local sender id stamped on optimistic entries.
	UserID string

	// NonceWindow bounds the recently-seen nonce set. Default 512.
	NonceWindow int
}

// Coordinator owns message delivery state for all conversations.
type Coordinator struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	sender  Sender
	poster  Poster
	archive Archive

	newNonce func() string
	now      func() time.Time

	mu        sync.Mutex
	active    string
	convs     map[string]wire.Conversation
	convOrder []string
	confirmed map[string][]wire.Message   // conversation id → ordered messages
	byID      map[string]map[string]bool  // conversation id → message id set
	pending   map[string]*Pending         // client nonce → entry
	nonces    *nonceWindow
	unread    map[string]int
	lastID    map[string]string // conversation id → newest confirmed message id
	onChange  func(conversationID string)
}

// New creates a coordinator.
func New(cfg Config, sender Sender, poster Poster, archive Archive, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	if cfg.NonceWindow == 0 {
		cfg.NonceWindow = 512
	}
	return &Coordinator{
		cfg:       cfg,
		logger:    logger.With().Str("component", "delivery").Logger(),
		metrics:   m,
		sender:    sender,
		poster:    poster,
		archive:   archive,
		newNonce:  uuid.NewString,
		now:       time.Now,
		convs:     make(map[string]wire.Conversation),
		confirmed: make(map[string][]wire.Message),
		byID:      make(map[string]map[string]bool),
		pending:   make(map[string]*Pending),
		nonces:    newNonceWindow(cfg.NonceWindow),
		unread:    make(map[string]int),
		lastID:    make(map[string]string),
	}
}

// OnChange registers the callback invoked whenever a conversation's merged
// view changes. Invoked outside the coordinator lock.
func (c *Coordinator) OnChange(fn func(conversationID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Send creates an optimistic entry and attempts delivery: realtime first,
// HTTP second. The returned nonce identifies the entry for Retry. A
// delivery failure is reported as cherr.ErrSendFailed with the entry left
// in failed state; the entry stays in the view either way.
func (c *Coordinator) Send(ctx context.Context, conversationID, content string) (string, error) {
	p := &Pending{
		Nonce:          c.newNonce(),
		ConversationID: conversationID,
		SenderID:       c.cfg.UserID,
		Content:        content,
		Status:         StatusSending,
		Attempts:       1,
		CreatedAt:      c.now(),
	}

	c.mu.Lock()
	c.pending[p.Nonce] = p
	c.mu.Unlock()
	c.updatePendingGauge()
	c.notify(conversationID)

	return p.Nonce, c.deliver(ctx, p)
}

// Retry re-attempts a failed entry. Unknown or already-confirmed nonces are
// a no-op: confirmation wins over retry, so a retry racing an ack can never
// produce a duplicate.
func (c *Coordinator) Retry(ctx context.Context, nonce string) error {
	c.mu.Lock()
	p, ok := c.pending[nonce]
	if !ok || p.Status != StatusFailed {
		c.mu.Unlock()
		return nil
	}
	p.Status = StatusSending
	p.LastError = ""
	p.Attempts++
	conv := p.ConversationID
	c.mu.Unlock()
	c.notify(conv)

	return c.deliver(ctx, p)
}

// deliver pushes one pending entry through the transport preference order.
func (c *Coordinator) deliver(ctx context.Context, p *Pending) error {
	ev := wire.Send{
		ConversationID: p.ConversationID,
		Content:        p.Content,
		ClientNonce:    p.Nonce,
		SentAt:         p.CreatedAt,
	}

	if c.sender.Connected() && c.sender.SendEvent(p.ConversationID, ev) {
		// Confirmation arrives as message.ack; the entry stays sending.
		return nil
	}

	msg, err := c.poster.PostMessage(ctx, p.ConversationID, p.Content, p.Nonce)
	if err == nil {
		c.recordSend("http", "ok")
		c.confirm(msg)
		return nil
	}
	c.recordSend("http", "failed")

	c.mu.Lock()
	// The entry may have been confirmed while the POST was in flight (the
	// realtime ack for an earlier attempt, or a poll result).
	if cur, ok := c.pending[p.Nonce]; ok {
		cur.Status = StatusFailed
		cur.LastError = err.Error()
	}
	conv := p.ConversationID
	c.mu.Unlock()
	c.notify(conv)

	c.logger.Warn().Err(err).Str("nonce", p.Nonce).Msg("delivery failed on all transports")
	return fmt.Errorf("%w: %v", cherr.ErrSendFailed, err)
}

// HandleIncoming reconciles an inbound realtime event. Polled messages
// arrive here too, wrapped as message.new, so both paths share one dedup
// point.
func (c *Coordinator) HandleIncoming(ev wire.Event) {
	switch e := ev.(type) {
	case wire.Ack:
		c.handleAck(e)
	case wire.New:
		c.handleNew(e.Message())
	default:
		// chat.join and message.send are outbound-only; a server echoing
		// them back is ignored.
	}
}

// handleAck confirms the pending entry for the nonce using the pending
// entry's own content; an ack carries placement, not a message body.
func (c *Coordinator) handleAck(ack wire.Ack) {
	c.mu.Lock()
	p, ok := c.pending[ack.ClientNonce]
	if !ok {
		c.mu.Unlock()
		return
	}
	msg := wire.Message{
		ID:             ack.MessageID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		SequenceNumber: ack.SequenceNumber,
		ClientNonce:    ack.ClientNonce,
		SentAt:         ack.SentAt,
	}
	c.mu.Unlock()

	c.confirm(msg)
}

// handleNew applies a broadcast message. Identity is the client nonce: a
// nonce matching a pending entry confirms it, a nonce already observed is a
// duplicate, anything else is a genuinely new message.
func (c *Coordinator) handleNew(m wire.Message) {
	c.mu.Lock()
	if m.ClientNonce != "" {
		if _, ok := c.pending[m.ClientNonce]; ok {
			c.mu.Unlock()
			c.confirm(m)
			return
		}
		if c.nonces.Contains(m.ClientNonce) {
			c.mu.Unlock()
			return
		}
	}
	if ids := c.byID[m.ConversationID]; ids != nil && ids[m.ID] {
		c.mu.Unlock()
		return
	}

	c.nonces.Observe(m.ClientNonce)
	c.insertLocked(m)
	if m.ConversationID != c.active && m.SenderID != c.cfg.UserID {
		c.unread[m.ConversationID]++
	}
	conv := m.ConversationID
	c.mu.Unlock()

	c.persist(m)
	c.notify(conv)
}

// confirm replaces the pending entry for the message's nonce with the
// confirmed message. Exactly one Message ever exists per nonce.
func (c *Coordinator) confirm(m wire.Message) {
	c.mu.Lock()
	delete(c.pending, m.ClientNonce)
	c.nonces.Observe(m.ClientNonce)
	if ids := c.byID[m.ConversationID]; ids == nil || !ids[m.ID] {
		c.insertLocked(m)
	}
	conv := m.ConversationID
	c.mu.Unlock()

	c.updatePendingGauge()
	c.persist(m)
	c.notify(conv)
}

// insertLocked appends a confirmed message and updates the cursor. Caller
// holds the lock and has checked the id index.
func (c *Coordinator) insertLocked(m wire.Message) {
	c.confirmed[m.ConversationID] = append(c.confirmed[m.ConversationID], m)
	ids := c.byID[m.ConversationID]
	if ids == nil {
		ids = make(map[string]bool)
		c.byID[m.ConversationID] = ids
	}
	ids[m.ID] = true
	c.lastID[m.ConversationID] = m.ID
}

// Messages returns the merged chronological view for a conversation.
func (c *Coordinator) Messages(conversationID string) []Entry {
	c.mu.Lock()
	confirmed := append([]wire.Message{}, c.confirmed[conversationID]...)
	var pend []Pending
	for _, p := range c.pending {
		if p.ConversationID == conversationID {
			pend = append(pend, *p)
		}
	}
	c.mu.Unlock()

	return mergeView(confirmed, pend)
}

// SetActive marks a conversation as being on screen, zeroing its unread
// count.
func (c *Coordinator) SetActive(conversationID string) {
	c.mu.Lock()
	c.active = conversationID
	c.unread[conversationID] = 0
	c.mu.Unlock()
	c.notify(conversationID)
}

// ActiveConversation returns the on-screen conversation id, empty when the
// user is on the conversation list.
func (c *Coordinator) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// MarkAsRead zeroes the unread count and reports the read position to the
// server. A server error leaves the local count at zero; the next resync
// reconciles.
func (c *Coordinator) MarkAsRead(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.unread[conversationID] = 0
	c.mu.Unlock()
	c.notify(conversationID)

	if err := c.poster.MarkRead(ctx, conversationID); err != nil {
		c.logger.Warn().Err(err).Str("conversation", conversationID).Msg("mark-read not delivered")
		return err
	}
	return nil
}

// UnreadCount returns the locally tracked unread count.
func (c *Coordinator) UnreadCount(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[conversationID]
}

// LastKnownMessageID returns the poll cursor: the id of the newest
// confirmed message, empty when none.
func (c *Coordinator) LastKnownMessageID(conversationID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID[conversationID]
}

// SeedConversations loads the conversation list, keeping server order.
// Server-reported unread counts seed the local counters.
func (c *Coordinator) SeedConversations(convs []wire.Conversation) {
	c.mu.Lock()
	c.convOrder = c.convOrder[:0]
	for _, cv := range convs {
		if _, ok := c.convs[cv.ID]; !ok {
			c.unread[cv.ID] = cv.UnreadCount
		}
		c.convs[cv.ID] = cv
		c.convOrder = append(c.convOrder, cv.ID)
	}
	c.mu.Unlock()
	c.notify("")
}

// SeedHistory loads fetched history into the confirmed list, skipping
// anything already known by id or nonce. History never bumps unread
// counts; those are seeded from the conversation list.
func (c *Coordinator) SeedHistory(conversationID string, msgs []wire.Message) {
	c.mu.Lock()
	for _, m := range msgs {
		if _, ok := c.pending[m.ClientNonce]; m.ClientNonce != "" && ok {
			delete(c.pending, m.ClientNonce)
		}
		if m.ClientNonce != "" && c.nonces.Contains(m.ClientNonce) {
			continue
		}
		if ids := c.byID[m.ConversationID]; ids != nil && ids[m.ID] {
			continue
		}
		c.nonces.Observe(m.ClientNonce)
		c.insertLocked(m)
	}
	c.mu.Unlock()

	c.updatePendingGauge()
	c.notify(conversationID)
}

// Conversations returns the conversation list with live unread counts.
func (c *Coordinator) Conversations() []wire.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Conversation, 0, len(c.convOrder))
	for _, id := range c.convOrder {
		cv := c.convs[id]
		cv.UnreadCount = c.unread[id]
		out = append(out, cv)
	}
	return out
}

// PendingCount returns the number of unconfirmed entries across all
// conversations.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) persist(m wire.Message) {
	if c.archive == nil {
		return
	}
	if err := c.archive.SaveMessages(context.Background(), []wire.Message{m}); err != nil {
		c.logger.Warn().Err(err).Str("message", m.ID).Msg("archive write failed")
	}
}

func (c *Coordinator) notify(conversationID string) {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(conversationID)
	}
}

func (c *Coordinator) updatePendingGauge() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.PendingMessages.Set(float64(n))
}

func (c *Coordinator) recordSend(transport, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordSend(transport, outcome)
	}
}
