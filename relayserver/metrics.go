package relayserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gsn_relay"

// Metrics are the daemon's prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	relayed     prometheus.Counter
	rejected    *prometheus.CounterVec
	escalations prometheus.Counter
	confirmed   prometheus.Counter
	pending     prometheus.Gauge
	replenished prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relayed_total",
			Help:      "Relay requests signed and broadcast.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_total",
			Help:      "Relay requests rejected, by error code.",
		}, []string{"code"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "escalations_total",
			Help:      "Stalled transactions resubmitted at a higher gas price.",
		}),
		confirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "confirmed_total",
			Help:      "Worker transactions mined.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_transactions",
			Help:      "Worker transactions broadcast and not yet mined.",
		}),
		replenished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replenish_total",
			Help:      "Withdrawals of hub earnings to the worker.",
		}),
	}
	m.Registry.MustRegister(m.relayed, m.rejected, m.escalations, m.confirmed, m.pending, m.replenished)
	return m
}
