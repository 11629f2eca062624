package notify

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/lookout/internal/screening"
)

// Metrics holds Prometheus metrics for notification delivery.
type Metrics struct {
	AttemptsTotal   *prometheus.CounterVec
	DispatchedTotal *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
}

// NewMetrics registers and returns notification metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_notification_attempts_total",
			Help: "Total delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		DispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_notifications_dispatched_total",
			Help: "Total dispatched actions by channel and final outcome.",
		}, []string{"channel", "outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lookout_dispatch_queue_depth",
			Help: "Actions waiting for a dispatch worker.",
		}),
	}

	reg.MustRegister(m.AttemptsTotal, m.DispatchedTotal, m.QueueDepth)

	return m
}

// Hooks returns dispatcher hooks that update the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnAttempt: func(ch screening.Channel, outcome screening.DeliveryOutcome) {
			m.AttemptsTotal.WithLabelValues(string(ch), string(outcome)).Inc()
		},
		OnDispatched: func(ch screening.Channel, outcome screening.DeliveryOutcome) {
			m.DispatchedTotal.WithLabelValues(string(ch), string(outcome)).Inc()
		},
		OnQueueDepth: func(n int) {
			m.QueueDepth.Set(float64(n))
		},
	}
}
