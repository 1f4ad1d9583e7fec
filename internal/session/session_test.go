package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberapp/chatlink/internal/config"
	"github.com/emberapp/chatlink/internal/conn"
	"github.com/emberapp/chatlink/internal/wire"
)

func testToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub})
	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

type fakeOrch struct {
	mu        sync.Mutex
	connected bool
	state     conn.State
	user      string
	joins     []string
	sent      []wire.Event
	inbound   func(wire.Event)
	listeners []func(conn.Event)
	torn      bool
}

func (f *fakeOrch) Initialize(ctx context.Context) {}

func (f *fakeOrch) SetUser(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = id
}

func (f *fakeOrch) Join(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, conversationID)
}

func (f *fakeOrch) OnInbound(fn func(wire.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = fn
}

func (f *fakeOrch) Events(fn func(conn.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeOrch) SendEvent(conversationID string, ev wire.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, ev)
	return true
}

func (f *fakeOrch) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeOrch) State() conn.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeOrch) Stats() conn.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return conn.Status{State: f.state.String()}
}

func (f *fakeOrch) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torn = true
}

func (f *fakeOrch) emit(ev conn.Event) {
	f.mu.Lock()
	listeners := append([]func(conn.Event){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

type fakeBackend struct {
	mu       sync.Mutex
	convs    []wire.Conversation
	convsErr error
	msgs     map[string][]wire.Message
	marks    []string
	since    []string
}

func (f *fakeBackend) Conversations(ctx context.Context) ([]wire.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs, f.convsErr
}

func (f *fakeBackend) MessagesSince(ctx context.Context, conversationID, sinceID string) ([]wire.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, sinceID)
	return f.msgs[conversationID], nil
}

func (f *fakeBackend) PostMessage(ctx context.Context, conversationID, content, clientNonce string) (wire.Message, error) {
	return wire.Message{
		ID: "srv-1", ConversationID: conversationID, Content: content,
		ClientNonce: clientNonce, SentAt: time.Now(),
	}, nil
}

func (f *fakeBackend) MarkRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, conversationID)
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	convs   []wire.Conversation
	msgs    map[string][]wire.Message
	cursors map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		msgs:    map[string][]wire.Message{},
		cursors: map[string]string{},
	}
}

func (f *fakeCache) SaveConversations(ctx context.Context, convs []wire.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = convs
	return nil
}

func (f *fakeCache) Conversations(ctx context.Context) ([]wire.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs, nil
}

func (f *fakeCache) SaveMessages(ctx context.Context, msgs []wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.msgs[m.ConversationID] = append(f.msgs[m.ConversationID], m)
	}
	return nil
}

func (f *fakeCache) MessagesForConversation(ctx context.Context, conversationID string, limit int) ([]wire.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[conversationID], nil
}

func (f *fakeCache) LatestMessageID(ctx context.Context, conversationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.msgs[conversationID]
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[len(msgs)-1].ID, nil
}

func (f *fakeCache) Cursor(ctx context.Context, conversationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[conversationID], nil
}

func (f *fakeCache) SetCursor(ctx context.Context, conversationID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[conversationID] = messageID
	return nil
}

func testSessionConfig() *config.Config {
	return &config.Config{
		RealtimeInitTimeout:  time.Second,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
		HealthCheckInterval:  time.Hour,
		PollInterval:         time.Hour,
		SendQueueSize:        10,
		NonceWindow:          64,
	}
}

func newTestSession(t *testing.T, connected bool) (*Session, *fakeOrch, *fakeBackend) {
	t.Helper()
	orch := &fakeOrch{connected: connected}
	if connected {
		orch.state = conn.StateConnected
	}
	backend := &fakeBackend{
		convs: []wire.Conversation{
			{ID: "conv-1", Participants: []string{"user-1", "user-2"}, UnreadCount: 1},
			{ID: "conv-2", Participants: []string{"user-1", "user-3"}},
		},
		msgs: map[string][]wire.Message{},
	}

	s := New(testSessionConfig(), nil, nil, zerolog.Nop())
	s.build = func(authToken string) (Orchestrator, Backend) { return orch, backend }
	t.Cleanup(s.Teardown)
	return s, orch, backend
}

func TestInitialize(t *testing.T) {
	s, orch, _ := newTestSession(t, true)

	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))

	orch.mu.Lock()
	assert.Equal(t, "user-1", orch.user)
	require.NotNil(t, orch.inbound)
	orch.mu.Unlock()

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.False(t, s.poller.Running())
}

func TestInitialize_BadToken(t *testing.T) {
	s, _, _ := newTestSession(t, true)
	require.Error(t, s.Initialize(context.Background(), "not-a-jwt"))
	_, err := s.Send(context.Background(), "conv-1", "hi")
	assert.Error(t, err)
}

func TestInitialize_Idempotent(t *testing.T) {
	s, _, _ := newTestSession(t, true)
	builds := 0
	inner := s.build
	s.build = func(tok string) (Orchestrator, Backend) {
		builds++
		return inner(tok)
	}

	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))
	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))
	assert.Equal(t, 1, builds)
}

func TestInitialize_StartsPollingWhenDisconnected(t *testing.T) {
	s, _, _ := newTestSession(t, false)
	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))
	assert.True(t, s.poller.Running())
}

func TestSetActiveConversation(t *testing.T) {
	s, orch, backend := newTestSession(t, true)
	backend.msgs["conv-1"] = []wire.Message{
		{ID: "m1", ConversationID: "conv-1", SenderID: "user-2", Content: "hey", SequenceNumber: 1, SentAt: time.Now()},
	}
	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))

	require.NoError(t, s.SetActiveConversation(context.Background(), "conv-1"))

	orch.mu.Lock()
	assert.Equal(t, []string{"conv-1"}, orch.joins)
	orch.mu.Unlock()

	msgs := s.Messages("conv-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hey", msgs[0].Message.Content)
}

func TestSetActiveConversation_ResumesStoredCursor(t *testing.T) {
	// A relaunched client has no in-memory history, only the persisted
	// cursor. The first fetch resumes from it, and a successful fetch
	// advances it.
	orch := &fakeOrch{connected: true, state: conn.StateConnected}
	backend := &fakeBackend{
		msgs: map[string][]wire.Message{
			"conv-1": {{ID: "m6", ConversationID: "conv-1", SenderID: "user-2", SequenceNumber: 6, SentAt: time.Now()}},
		},
	}
	cache := newFakeCache()
	require.NoError(t, cache.SetCursor(context.Background(), "conv-1", "m5"))

	s := New(testSessionConfig(), cache, nil, zerolog.Nop())
	s.build = func(authToken string) (Orchestrator, Backend) { return orch, backend }
	t.Cleanup(s.Teardown)
	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))

	require.NoError(t, s.SetActiveConversation(context.Background(), "conv-1"))

	backend.mu.Lock()
	require.NotEmpty(t, backend.since)
	assert.Equal(t, "m5", backend.since[0])
	backend.mu.Unlock()

	cur, err := cache.Cursor(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "m6", cur)
}

func TestSend_OverRealtime(t *testing.T) {
	s, orch, _ := newTestSession(t, true)
	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))

	nonce, err := s.Send(context.Background(), "conv-1", "hello")
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	orch.mu.Lock()
	require.Len(t, orch.sent, 1)
	orch.mu.Unlock()

	// Ack routed back through the inbound path confirms the entry.
	orch.inbound(wire.Ack{ClientNonce: nonce, MessageID: "srv-7", SequenceNumber: 7, SentAt: time.Now()})
	msgs := s.Messages("conv-1")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Confirmed())
}

func TestConnEvents_DrivePoller(t *testing.T) {
	s, orch, _ := newTestSession(t, true)
	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))
	require.False(t, s.poller.Running())

	orch.emit(conn.Event{Kind: conn.KindReconnectFailed, State: conn.StateError})
	assert.True(t, s.poller.Running())

	orch.emit(conn.Event{Kind: conn.KindStateChanged, Previous: conn.StateError, State: conn.StateConnected})
	assert.False(t, s.poller.Running())
}

func TestSetActiveConversation_EmptyMeansConversationList(t *testing.T) {
	s, orch, _ := newTestSession(t, true)
	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))

	require.NoError(t, s.SetActiveConversation(context.Background(), ""))

	orch.mu.Lock()
	assert.Empty(t, orch.joins)
	orch.mu.Unlock()
}

func TestLastError(t *testing.T) {
	s, orch, _ := newTestSession(t, true)
	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))
	assert.Empty(t, s.LastError())

	orch.emit(conn.Event{Kind: conn.KindReconnectFailed, State: conn.StateError, Err: assert.AnError})
	assert.NotEmpty(t, s.LastError())
}

func TestMarkAsRead(t *testing.T) {
	s, _, backend := newTestSession(t, true)
	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))

	require.NoError(t, s.MarkAsRead(context.Background(), "conv-1"))

	backend.mu.Lock()
	assert.Equal(t, []string{"conv-1"}, backend.marks)
	backend.mu.Unlock()
	convs := s.Conversations()
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func TestStatusSnapshot(t *testing.T) {
	s, _, _ := newTestSession(t, true)
	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))

	snap, ok := s.StatusSnapshot().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user-1", snap["user_id"])
	assert.Equal(t, false, snap["polling"])
}

func TestTeardown(t *testing.T) {
	s, orch, _ := newTestSession(t, true)
	require.NoError(t, s.Initialize(context.Background(), testToken(t, "user-1")))

	s.Teardown()
	s.Teardown()

	orch.mu.Lock()
	assert.True(t, orch.torn)
	orch.mu.Unlock()

	_, err := s.Send(context.Background(), "conv-1", "hi")
	assert.Error(t, err)
}
