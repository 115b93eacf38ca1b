package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus instrumentation. Each server
// instance carries its own registry so tests can run servers side by side.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	envelopesReceived *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	authFailures      prometheus.Counter
	persistenceErrors prometheus.Counter
	relayErrors       prometheus.Counter
}

// NewMetrics creates and registers all server metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campuschat_active_connections",
			Help: "Number of live socket connections in the registry",
		}),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campuschat_envelopes_received_total",
			Help: "Envelopes received from clients, by type",
		}, []string{"type"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campuschat_envelopes_sent_total",
			Help: "Envelopes sent to clients, by type",
		}, []string{"type"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campuschat_auth_failures_total",
			Help: "Failed socket auth handshakes",
		}),
		persistenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campuschat_persistence_errors_total",
			Help: "Failed message or status writes",
		}),
		relayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campuschat_relay_errors_total",
			Help: "Failed envelope relays to connected counterparts",
		}),
	}

	registry.MustRegister(
		m.activeConnections,
		m.envelopesReceived,
		m.envelopesSent,
		m.authFailures,
		m.persistenceErrors,
		m.relayErrors,
	)

	return m
}

// Handler returns the HTTP handler exposing this server's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

func (m *Metrics) RecordEnvelopeReceived(envelopeType string) {
	m.envelopesReceived.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) RecordEnvelopeSent(envelopeType string) {
	m.envelopesSent.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) RecordAuthFailure() {
	m.authFailures.Inc()
}

func (m *Metrics) RecordPersistenceError() {
	m.persistenceErrors.Inc()
}

func (m *Metrics) RecordRelayError() {
	m.relayErrors.Inc()
}
