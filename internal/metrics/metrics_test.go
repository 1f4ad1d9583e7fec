package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.RecordConnect("channel", "ok")
	m.RecordSend("http", "failed")
	m.RecordPollTick("ok")
	m.RecordStateChange("reconnecting")
	m.OutboundQueue.Set(3)
	m.PendingMessages.Set(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `chatlink_connects_total{outcome="ok",transport="channel"} 1`)
	assert.Contains(t, body, `chatlink_sends_total{outcome="failed",transport="http"} 1`)
	assert.Contains(t, body, `chatlink_poll_ticks_total{outcome="ok"} 1`)
	assert.Contains(t, body, "chatlink_outbound_queue_depth 3")
	assert.Contains(t, body, "chatlink_pending_messages 1")
}

func TestNew_IsolatedRegistries(t *testing.T) {
	// Two instances must not collide — no global registry.
	a := New()
	b := New()
	a.RecordConnect("socket", "ok")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)
	assert.NotContains(t, rec.Body.String(), `transport="socket"`)
}
