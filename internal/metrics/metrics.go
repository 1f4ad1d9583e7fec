// Package metrics provides Prometheus metrics for the connectivity core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the chat client.
type Metrics struct {
	ConnectsTotal   *prometheus.CounterVec
	ReconnectsTotal prometheus.Counter
	StateChanges    *prometheus.CounterVec
	SendsTotal      *prometheus.CounterVec
	PollTicksTotal  *prometheus.CounterVec
	OutboundQueue   prometheus.Gauge
	PendingMessages prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatlink_connects_total",
				Help: "Connection attempts by transport and outcome.",
			},
			[]string{"transport", "outcome"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatlink_reconnects_total",
				Help: "Reconnect attempts scheduled by the orchestrator.",
			},
		),
		StateChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatlink_state_changes_total",
				Help: "Connection state transitions by new state.",
			},
			[]string{"state"},
		),
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatlink_sends_total",
				Help: "Message send attempts by transport and outcome.",
			},
			[]string{"transport", "outcome"},
		),
		PollTicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatlink_poll_ticks_total",
				Help: "HTTP fallback poll ticks by outcome.",
			},
			[]string{"outcome"},
		),
		OutboundQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatlink_outbound_queue_depth",
				Help: "Frames queued on the raw socket while disconnected.",
			},
		),
		PendingMessages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatlink_pending_messages",
				Help: "Optimistic messages awaiting confirmation.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.ConnectsTotal,
		m.ReconnectsTotal,
		m.StateChanges,
		m.SendsTotal,
		m.PollTicksTotal,
		m.OutboundQueue,
		m.PendingMessages,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnect increments the connect counter.
func (m *Metrics) RecordConnect(transport, outcome string) {
	m.ConnectsTotal.WithLabelValues(transport, outcome).Inc()
}

// RecordSend increments the send counter.
func (m *Metrics) RecordSend(transport, outcome string) {
	m.SendsTotal.WithLabelValues(transport, outcome).Inc()
}

// RecordPollTick increments the poll tick counter.
func (m *Metrics) RecordPollTick(outcome string) {
	m.PollTicksTotal.WithLabelValues(outcome).Inc()
}

// RecordStateChange increments the transition counter for the new state.
func (m *Metrics) RecordStateChange(state string) {
	m.StateChanges.WithLabelValues(state).Inc()
}
