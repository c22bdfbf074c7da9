package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the fan-out layer's Prometheus instruments on a private
// registry, so tests can build as many servers as they like.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsOpen    prometheus.Gauge
	EnvelopesDelivered prometheus.Counter
	EnvelopesDropped   prometheus.Counter
	UpgradeFailures    prometheus.Counter
	AuthFailures       prometheus.Counter
}

// NewMetrics creates the instruments under the "pulse" namespace.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "connections_open",
			Help:      "Number of live websocket connections.",
		}),
		EnvelopesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "envelopes_delivered_total",
			Help:      "Envelopes enqueued to a connection's send buffer.",
		}),
		EnvelopesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes dropped because a send buffer was full.",
		}),
		UpgradeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "upgrade_failures_total",
			Help:      "Websocket upgrade attempts that failed.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "auth_failures_total",
			Help:      "Connections rejected during the auth handshake.",
		}),
	}
}

// HTTPHandler serves the metrics in the Prometheus text format.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
