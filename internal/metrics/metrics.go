// Package metrics exposes Prometheus collectors for the chat gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gochat"

// Delivery outcomes recorded by Deliveries.
const (
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
)

// Metrics groups the collectors the gateway updates. Each instance owns its
// own registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	Connections         prometheus.Gauge
	MessagesReceived    prometheus.Counter
	MessagesRateLimited prometheus.Counter
	Deliveries          *prometheus.CounterVec
	ProtocolViolations  *prometheus.CounterVec
	RejectedUpgrades    *prometheus.CounterVec
}

// New registers the gateway collectors plus the Go runtime and process
// collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Number of WebSocket connections currently open.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Chat messages accepted from clients and broadcast.",
		}),
		MessagesRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rate_limited_total",
			Help:      "Chat messages discarded by the per-connection rate limiter.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-member deliveries attempted by broadcasts, by outcome.",
		}, []string{"outcome"}),
		ProtocolViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Connections closed for sending malformed frames, by reason.",
		}, []string{"reason"}),
		RejectedUpgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_upgrades_total",
			Help:      "Upgrade requests refused before a connection opened, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.Connections,
		m.MessagesReceived,
		m.MessagesRateLimited,
		m.Deliveries,
		m.ProtocolViolations,
		m.RejectedUpgrades,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// TrackRooms exports the live room count, read from rooms at scrape time.
func (m *Metrics) TrackRooms(rooms func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms",
		Help:      "Number of rooms with at least one member.",
	}, func() float64 { return float64(rooms()) }))
}

// ObserveBroadcast records the outcome of one broadcast.
func (m *Metrics) ObserveBroadcast(delivered, dropped int) {
	m.MessagesReceived.Inc()
	m.Deliveries.WithLabelValues(OutcomeDelivered).Add(float64(delivered))
	m.Deliveries.WithLabelValues(OutcomeDropped).Add(float64(dropped))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
