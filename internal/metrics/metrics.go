// Package metrics provides Prometheus metrics for chatlink connections and
// the message queue.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the transport.
type Metrics struct {
	MessagesSent      *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	ReconnectAttempts *prometheus.GaugeVec
	ConnectionState   *prometheus.GaugeVec
	HeartbeatsTotal   *prometheus.CounterVec
	Latency           *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	QueueOutcomes     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatlink_messages_sent_total",
				Help: "Total frames written to the websocket by connection.",
			},
			[]string{"connection"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatlink_messages_received_total",
				Help: "Total inbound frames forwarded to the application by connection.",
			},
			[]string{"connection"},
		),
		ReconnectAttempts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatlink_reconnect_attempts",
				Help: "Current consecutive reconnect attempt count by connection.",
			},
			[]string{"connection"},
		),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatlink_connection_state",
				Help: "1 for the current state of each connection, 0 otherwise.",
			},
			[]string{"connection", "state"},
		),
		HeartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatlink_heartbeats_total",
				Help: "Total heartbeat pings sent by connection.",
			},
			[]string{"connection"},
		),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatlink_heartbeat_latency_seconds",
				Help:    "Ping to pong round trip time by connection.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"connection"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatlink_errors_total",
				Help: "Total transport errors by connection and kind.",
			},
			[]string{"connection", "kind"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatlink_queue_depth",
				Help: "Number of chat messages waiting for delivery.",
			},
		),
		QueueOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatlink_queue_messages_total",
				Help: "Queued chat messages by outcome (delivered, retried, dropped).",
			},
			[]string{"outcome"},
		),
		registry: reg,
	}

	reg.MustRegister(m.MessagesSent)
	reg.MustRegister(m.MessagesReceived)
	reg.MustRegister(m.ReconnectAttempts)
	reg.MustRegister(m.ConnectionState)
	reg.MustRegister(m.HeartbeatsTotal)
	reg.MustRegister(m.Latency)
	reg.MustRegister(m.ErrorsTotal)
	reg.MustRegister(m.QueueDepth)
	reg.MustRegister(m.QueueOutcomes)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (for tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ForConnection returns a recorder bound to one connection label.
func (m *Metrics) ForConnection(name string) *ConnectionRecorder {
	return &ConnectionRecorder{m: m, name: name}
}

// SetQueueDepth sets the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// RecordQueueOutcome increments the queue outcome counter.
func (m *Metrics) RecordQueueOutcome(outcome string) {
	m.QueueOutcomes.WithLabelValues(outcome).Inc()
}

// ConnectionRecorder mirrors one connection's tracker into Prometheus.
type ConnectionRecorder struct {
	m    *Metrics
	name string
}

func (r *ConnectionRecorder) MessageSent() {
	r.m.MessagesSent.WithLabelValues(r.name).Inc()
}

func (r *ConnectionRecorder) MessageReceived() {
	r.m.MessagesReceived.WithLabelValues(r.name).Inc()
}

func (r *ConnectionRecorder) ReconnectAttempts(n int) {
	r.m.ReconnectAttempts.WithLabelValues(r.name).Set(float64(n))
}

// StateChanged flips the state gauge from one state to another.
func (r *ConnectionRecorder) StateChanged(from, to string) {
	if from != "" && from != to {
		r.m.ConnectionState.WithLabelValues(r.name, from).Set(0)
	}
	r.m.ConnectionState.WithLabelValues(r.name, to).Set(1)
}

func (r *ConnectionRecorder) Heartbeat() {
	r.m.HeartbeatsTotal.WithLabelValues(r.name).Inc()
}

func (r *ConnectionRecorder) Latency(d time.Duration) {
	r.m.Latency.WithLabelValues(r.name).Observe(d.Seconds())
}

func (r *ConnectionRecorder) Error(kind string) {
	r.m.ErrorsTotal.WithLabelValues(r.name, kind).Inc()
}
