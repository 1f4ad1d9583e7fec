// Package session is the facade the UI talks to. It composes the
// connection orchestrator, delivery coordinator, fallback poller, REST
// client, and local cache behind one lifecycle: Initialize, use, Teardown.
package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/emberapp/chatlink/internal/api"
	"github.com/emberapp/chatlink/internal/config"
	"github.com/emberapp/chatlink/internal/conn"
	"github.com/emberapp/chatlink/internal/delivery"
	"github.com/emberapp/chatlink/internal/health"
	"github.com/emberapp/chatlink/internal/identity"
	"github.com/emberapp/chatlink/internal/metrics"
	"github.com/emberapp/chatlink/internal/poller"
	"github.com/emberapp/chatlink/internal/realtime"
	"github.com/emberapp/chatlink/internal/transport"
	"github.com/emberapp/chatlink/internal/wire"
)

// Orchestrator is the connection layer as the session consumes it.
// Satisfied by *conn.Orchestrator.
type Orchestrator interface {
	Initialize(ctx context.Context)
	SetUser(id string)
	Join(conversationID string)
	OnInbound(fn func(wire.Event))
	Events(fn func(conn.Event))
	SendEvent(conversationID string, ev wire.Event) bool
	Connected() bool
	State() conn.State
	Stats() conn.Status
	Teardown()
}

// Backend is the REST surface the session consumes. Satisfied by
// *api.Client.
type Backend interface {
	Conversations(ctx context.Context) ([]wire.Conversation, error)
	MessagesSince(ctx context.Context, conversationID, sinceID string) ([]wire.Message, error)
	PostMessage(ctx context.Context, conversationID, content, clientNonce string) (wire.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Cache is the local persistence layer. Satisfied by *store.Store; may be
// nil to run without local history.
type Cache interface {
	SaveConversations(ctx context.Context, convs []wire.Conversation) error
	Conversations(ctx context.Context) ([]wire.Conversation, error)
	SaveMessages(ctx context.Context, msgs []wire.Message) error
	MessagesForConversation(ctx context.Context, conversationID string, limit int) ([]wire.Message, error)
	LatestMessageID(ctx context.Context, conversationID string) (string, error)
	Cursor(ctx context.Context, conversationID string) (string, error)
	SetCursor(ctx context.Context, conversationID, messageID string) error
}

// Session is the chat client's top-level object.
type Session struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	cache   Cache

	// build constructs the transport and REST layers once the auth token
	// is known. Replaced in tests.
	build func(authToken string) (Orchestrator, Backend)

	initialized atomic.Bool
	closed      atomic.Bool
	lastError   atomic.Value // string

	userID   string
	orch     Orchestrator
	backend  Backend
	delivery *delivery.Coordinator
	poller   *poller.Poller
}

// New creates an uninitialized session. The cache may be nil.
func New(cfg *config.Config, cache Cache, m *metrics.Metrics, logger zerolog.Logger) *Session {
	s := &Session{
		cfg:     cfg,
		logger:  logger.With().Str("component", "session").Logger(),
		metrics: m,
		cache:   cache,
	}
	s.build = func(authToken string) (Orchestrator, Backend) {
		channel := realtime.NewClient(realtime.Config{
			URL:       cfg.RealtimeURL,
			AuthToken: authToken,
		}, logger)
		sock := transport.New(transport.Config{
			URL:       cfg.RealtimeURL,
			AuthToken: authToken,
			QueueSize: cfg.SendQueueSize,
		}, logger)
		orch := conn.New(conn.Config{
			InitTimeout:    cfg.RealtimeInitTimeout,
			BaseDelay:      cfg.ReconnectBaseDelay,
			MaxDelay:       cfg.ReconnectMaxDelay,
			MaxAttempts:    cfg.MaxReconnectAttempts,
			HealthInterval: cfg.HealthCheckInterval,
		}, channel, sock, m, logger)
		backend := api.NewClient(cfg.APIBaseURL, authToken, logger)
		return orch, backend
	}
	return s
}

// Initialize authenticates, wires the pipeline, and brings up connectivity.
// Transport failures never surface here: the session comes up degraded and
// recovers in the background. Only an unusable auth token is an error.
func (s *Session) Initialize(ctx context.Context, authToken string) error {
	if s.closed.Load() {
		return fmt.Errorf("session is torn down")
	}
	if !s.initialized.CompareAndSwap(false, true) {
		return nil
	}

	userID, err := identity.UserID(authToken)
	if err != nil {
		s.initialized.Store(false)
		return fmt.Errorf("resolving user from token: %w", err)
	}
	s.userID = userID

	s.orch, s.backend = s.build(authToken)
	s.delivery = delivery.New(delivery.Config{
		UserID:      userID,
		NonceWindow: s.cfg.NonceWindow,
	}, s.orch, s.backend, s.archive(), s.metrics, s.logger)
	s.poller = poller.New(s.cfg.PollInterval, s.backend, s.delivery, s.metrics, s.logger)

	s.orch.SetUser(userID)
	s.orch.OnInbound(s.delivery.HandleIncoming)
	s.orch.Events(s.onConnEvent)

	s.seedConversations(ctx)
	s.orch.Initialize(ctx)

	if !s.orch.Connected() {
		s.poller.Start()
	}

	s.logger.Info().Str("user", userID).Msg("session initialized")
	return nil
}

// onConnEvent reacts to orchestrator notifications: the poller runs exactly
// while realtime is unusable, and a resync refetches what polling may have
// missed.
func (s *Session) onConnEvent(ev conn.Event) {
	if s.closed.Load() {
		return
	}
	if ev.Err != nil {
		s.lastError.Store(ev.Err.Error())
	}
	switch ev.Kind {
	case conn.KindReconnectFailed:
		s.logger.Warn().Msg("realtime unavailable, switching to polling")
		s.poller.Start()
	case conn.KindStateSynced:
		s.poller.Stop()
		go s.refetchActive(context.Background())
	case conn.KindStateChanged:
		if ev.State == conn.StateConnected {
			s.poller.Stop()
		}
	}
}

// seedConversations loads the list from cache for instant rendering, then
// refreshes from the backend. Both steps are best-effort.
func (s *Session) seedConversations(ctx context.Context) {
	if s.cache != nil {
		if cached, err := s.cache.Conversations(ctx); err == nil && len(cached) > 0 {
			s.delivery.SeedConversations(cached)
		}
	}

	convs, err := s.backend.Conversations(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("conversation list fetch failed, using cache")
		return
	}
	s.delivery.SeedConversations(convs)
	if s.cache != nil {
		if err := s.cache.SaveConversations(ctx, convs); err != nil {
			s.logger.Warn().Err(err).Msg("conversation cache write failed")
		}
	}
}

// refetchActive pulls messages for the active conversation newer than the
// local cursor. Run after every resync.
func (s *Session) refetchActive(ctx context.Context) {
	conversationID := s.delivery.ActiveConversation()
	if conversationID == "" {
		return
	}
	msgs, err := s.backend.MessagesSince(ctx, conversationID, s.delivery.LastKnownMessageID(conversationID))
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", conversationID).Msg("resync fetch failed")
		return
	}
	s.delivery.SeedHistory(conversationID, msgs)
	s.saveCursor(ctx, conversationID)
}

// SetActiveConversation marks a conversation on-screen: joins its realtime
// channel, loads cached history, and fetches anything newer. An empty id
// means the user is back on the conversation list.
func (s *Session) SetActiveConversation(ctx context.Context, conversationID string) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.delivery.SetActive(conversationID)
	if conversationID == "" {
		return nil
	}
	s.orch.Join(conversationID)

	if s.cache != nil {
		if cached, err := s.cache.MessagesForConversation(ctx, conversationID, 0); err == nil {
			s.delivery.SeedHistory(conversationID, cached)
		}
	}

	since := s.delivery.LastKnownMessageID(conversationID)
	if since == "" {
		since = s.storedCursor(ctx, conversationID)
	}
	msgs, err := s.backend.MessagesSince(ctx, conversationID, since)
	if err != nil {
		// Cached history is already on screen; realtime or polling fills in.
		s.logger.Warn().Err(err).Str("conversation", conversationID).Msg("history fetch failed")
		return nil
	}
	s.delivery.SeedHistory(conversationID, msgs)
	s.saveCursor(ctx, conversationID)
	return nil
}

// storedCursor returns the durable since-cursor for a conversation: the
// persisted cursor when set, otherwise the newest archived message id.
// Lets a relaunched client resume fetching where it left off.
func (s *Session) storedCursor(ctx context.Context, conversationID string) string {
	if s.cache == nil {
		return ""
	}
	if cur, err := s.cache.Cursor(ctx, conversationID); err == nil && cur != "" {
		return cur
	}
	latest, err := s.cache.LatestMessageID(ctx, conversationID)
	if err != nil {
		return ""
	}
	return latest
}

// saveCursor persists the in-memory cursor after a successful fetch.
func (s *Session) saveCursor(ctx context.Context, conversationID string) {
	if s.cache == nil {
		return
	}
	cur := s.delivery.LastKnownMessageID(conversationID)
	if cur == "" {
		return
	}
	if err := s.cache.SetCursor(ctx, conversationID, cur); err != nil {
		s.logger.Warn().Err(err).Str("conversation", conversationID).Msg("cursor write failed")
	}
}

// Send sends a message to a conversation, returning the nonce that
// identifies it for Retry.
func (s *Session) Send(ctx context.Context, conversationID, content string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	nonce, err := s.delivery.Send(ctx, conversationID, content)
	if err != nil {
		s.lastError.Store(err.Error())
	}
	return nonce, err
}

// Retry re-attempts a failed message.
func (s *Session) Retry(ctx context.Context, nonce string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.delivery.Retry(ctx, nonce)
}

// MarkAsRead clears the unread count and reports the read position.
func (s *Session) MarkAsRead(ctx context.Context, conversationID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.delivery.MarkAsRead(ctx, conversationID)
}

// Messages returns the merged view for a conversation.
func (s *Session) Messages(conversationID string) []delivery.Entry {
	if s.ready() != nil {
		return nil
	}
	return s.delivery.Messages(conversationID)
}

// Conversations returns the conversation list with live unread counts.
func (s *Session) Conversations() []wire.Conversation {
	if s.ready() != nil {
		return nil
	}
	return s.delivery.Conversations()
}

// OnConversationChanged registers the UI refresh callback.
func (s *Session) OnConversationChanged(fn func(conversationID string)) {
	if s.ready() != nil {
		return
	}
	s.delivery.OnChange(fn)
}

// LastError returns the most recent error string, empty when none. This is
// informational only; failed sends are the only errors a user acts on.
func (s *Session) LastError() string {
	if v, ok := s.lastError.Load().(string); ok {
		return v
	}
	return ""
}

// ConnectionState returns the orchestrator's state name.
func (s *Session) ConnectionState() string {
	if s.ready() != nil {
		return conn.StateDisconnected.String()
	}
	return s.orch.State().String()
}

// StatusSnapshot renders the /statusz payload.
func (s *Session) StatusSnapshot() any {
	if s.ready() != nil {
		return map[string]any{"state": conn.StateDisconnected.String()}
	}
	return map[string]any{
		"user_id":    s.userID,
		"connection": s.orch.Stats(),
		"polling":    s.poller.Running(),
		"pending":    s.delivery.PendingCount(),
		"last_error": s.LastError(),
	}
}

// RegisterHealth wires the session's readiness checks into a checker.
func (s *Session) RegisterHealth(checker *health.Checker) {
	checker.Register("transport", func(ctx context.Context) health.Status {
		if s.ready() != nil {
			return health.StatusDown
		}
		if s.orch.Connected() {
			return health.StatusOK
		}
		return health.StatusDegraded
	})
}

// Teardown stops polling and disconnects. Idempotent. The cache is owned
// by the caller and stays open.
func (s *Session) Teardown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if !s.initialized.Load() {
		return
	}
	s.poller.Stop()
	s.orch.Teardown()
	s.logger.Info().Msg("session torn down")
}

// archive adapts the nilable cache to the delivery layer's Archive.
func (s *Session) archive() delivery.Archive {
	if s.cache == nil {
		return nil
	}
	return archiveAdapter{s.cache}
}

type archiveAdapter struct {
	cache Cache
}

func (a archiveAdapter) SaveMessages(ctx context.Context, msgs []wire.Message) error {
	return a.cache.SaveMessages(ctx, msgs)
}

func (s *Session) ready() error {
	if s.closed.Load() {
		return fmt.Errorf("session is torn down")
	}
	if !s.initialized.Load() {
		return fmt.Errorf("session not initialized")
	}
	return nil
}
