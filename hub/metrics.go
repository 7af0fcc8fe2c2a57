package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the hub metrics.
type Metrics struct {
	registry *prometheus.Registry

	connections prometheus.Gauge
	accepted    prometheus.Counter
	resumed     prometheus.Counter
	rejected    prometheus.Counter
	messages    prometheus.Counter
	timeouts    prometheus.Counter
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "seqwire_hub_connections",
			Help: "Number of live connections.",
		}),
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "seqwire_hub_accepted_total",
			Help: "Total number of accepted connections.",
		}),
		resumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "seqwire_hub_resumed_total",
			Help: "Total number of resumed connections.",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "seqwire_hub_rejected_total",
			Help: "Total number of rejected handshakes.",
		}),
		messages: factory.NewCounter(prometheus.CounterOpts{
			Name: "seqwire_hub_messages_total",
			Help: "Total number of received application messages.",
		}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "seqwire_hub_timeouts_total",
			Help: "Total number of socket timeout notifications.",
		}),
	}
}

// Registry returns the prometheus registry holding the hub metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
