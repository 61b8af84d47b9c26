package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the relay's Prometheus collectors on a private registry.
type metrics struct {
	registry *prometheus.Registry

	clients   prometheus.Gauge
	messages  *prometheus.CounterVec
	mutations prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cardsync",
			Subsystem: "relay",
			Name:      "connected_clients",
			Help:      "Number of connected gateway clients",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cardsync",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Gateway messages received, by type",
		}, []string{"type"}),
		mutations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cardsync",
			Subsystem: "relay",
			Name:      "mutations_applied_total",
			Help:      "Drained queue entries applied",
		}),
	}
	m.registry.MustRegister(m.clients, m.messages, m.mutations)
	return m
}
