package notify

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the notification subsystem.
type Metrics struct {
	DeliveriesTotal  *prometheus.CounterVec
	SuppressedTotal  prometheus.Counter
	EscalationsTotal prometheus.Counter
}

// NewMetrics registers and returns notification metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_deliveries_total",
			Help: "Delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		SuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_deliveries_suppressed_total",
			Help: "Deliveries suppressed by the cooldown window.",
		}),
		EscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_escalations_total",
			Help: "Incidents escalated after staying unresolved past the escalation interval.",
		}),
	}

	reg.MustRegister(m.DeliveriesTotal, m.SuppressedTotal, m.EscalationsTotal)
	return m
}
