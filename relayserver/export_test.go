package relayserver

import "github.com/prometheus/client_golang/prometheus"

func RelayedCounter(m *Metrics) prometheus.Counter { return m.relayed }

func EscalationsCounter(m *Metrics) prometheus.Counter { return m.escalations }

func ConfirmedCounter(m *Metrics) prometheus.Counter { return m.confirmed }

func ReplenishedCounter(m *Metrics) prometheus.Counter { return m.replenished }

func PendingGauge(m *Metrics) prometheus.Gauge { return m.pending }

func RejectedCounter(m *Metrics, code string) prometheus.Counter {
	return m.rejected.WithLabelValues(code)
}
