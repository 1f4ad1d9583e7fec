package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// channelServer speaks the envelope protocol: answers hello with welcome
// (unless silent), records subscribes and publishes, and can push events.
type channelServer struct {
	*httptest.Server

	silent bool // never answer hello

	mu         sync.Mutex
	subscribes []string
	publishes  []envelope
	conns      []*websocket.Conn
}

func newChannelServer(t *testing.T, silent bool) *channelServer {
	t.Helper()
	cs := &channelServer{silent: silent}
	upgrader := websocket.Upgrader{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.mu.Lock()
		cs.conns = append(cs.conns, conn)
		cs.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			switch env.Action {
			case "hello":
				if !cs.silent {
					welcome, _ := json.Marshal(envelope{Action: "welcome"})
					conn.WriteMessage(websocket.TextMessage, welcome)
				}
			case "subscribe":
				cs.mu.Lock()
				cs.subscribes = append(cs.subscribes, env.Channel)
				cs.mu.Unlock()
			case "publish":
				cs.mu.Lock()
				cs.publishes = append(cs.publishes, env)
				cs.mu.Unlock()
			}
		}
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *channelServer) wsURL() string {
	return "ws" + strings.TrimPrefix(cs.URL, "http")
}

func (cs *channelServer) push(t *testing.T, channel, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, _ := json.Marshal(envelope{Action: "event", Channel: channel, Event: event, Payload: raw})
	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.NotEmpty(t, cs.conns)
	require.NoError(t, cs.conns[len(cs.conns)-1].WriteMessage(websocket.TextMessage, frame))
}

func (cs *channelServer) dropAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, c := range cs.conns {
		c.Close()
	}
	cs.conns = nil
}

func TestConnect_Handshake(t *testing.T) {
	cs := newChannelServer(t, false)
	c := NewClient(Config{URL: cs.wsURL(), AuthToken: "tok"}, zerolog.Nop())
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	cs := newChannelServer(t, true)
	c := NewClient(Config{URL: cs.wsURL(), HandshakeTimeout: 30 * time.Second}, zerolog.Nop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := c.Connect(ctx)
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestSubscribePublish(t *testing.T) {
	cs := newChannelServer(t, false)
	c := NewClient(Config{URL: cs.wsURL()}, zerolog.Nop())
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe("conv-1"))
	require.NoError(t, c.Publish("conv-1", "message.send", map[string]string{"content": "hi"}))

	assert.Eventually(t, func() bool {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		return len(cs.subscribes) == 1 && len(cs.publishes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cs.mu.Lock()
	assert.Equal(t, "conv-1", cs.subscribes[0])
	assert.Equal(t, "message.send", cs.publishes[0].Event)
	cs.mu.Unlock()
}

func TestPublish_WhenDisconnected(t *testing.T) {
	c := NewClient(Config{URL: "ws://unreachable.invalid/ws"}, zerolog.Nop())
	assert.Error(t, c.Subscribe("conv-1"))
	assert.Error(t, c.Publish("conv-1", "message.send", nil))
}

func TestInboundEventsDispatch(t *testing.T) {
	cs := newChannelServer(t, false)
	c := NewClient(Config{URL: cs.wsURL()}, zerolog.Nop())
	defer c.Close()

	type got struct {
		channel, event string
		payload        string
	}
	var mu sync.Mutex
	var events []got
	c.SetEventHandler(func(channel, event string, payload []byte) {
		mu.Lock()
		events = append(events, got{channel, event, string(payload)})
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	cs.push(t, "conv-1", "message.new", map[string]string{"content": "yo"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "conv-1", events[0].channel)
	assert.Equal(t, "message.new", events[0].event)
	assert.Contains(t, events[0].payload, "yo")
	mu.Unlock()
}

func TestLifecycle_DisconnectedOnServerDrop(t *testing.T) {
	cs := newChannelServer(t, false)
	c := NewClient(Config{URL: cs.wsURL()}, zerolog.Nop())
	defer c.Close()

	var disconnects atomic.Int32
	c.SetLifecycleHandler(func(event string, err error) {
		if event == LifeDisconnected {
			disconnects.Add(1)
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	cs.dropAll()

	assert.Eventually(t, func() bool { return disconnects.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.Connected())
}

func TestClose_Idempotent(t *testing.T) {
	cs := newChannelServer(t, false)
	c := NewClient(Config{URL: cs.wsURL()}, zerolog.Nop())

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.Connected())
	assert.Error(t, c.Connect(context.Background()))
}
