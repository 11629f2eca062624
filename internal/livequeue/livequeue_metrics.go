package livequeue

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the live queues.
type Metrics struct {
	Subscribers   prometheus.Gauge
	Entries       prometheus.Gauge
	OverflowTotal prometheus.Counter
}

// NewMetrics registers and returns live queue metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lookout_livequeue_subscribers",
			Help: "Live doctor queue subscriptions.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lookout_livequeue_entries",
			Help: "Records across all doctor queues.",
		}),
		OverflowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookout_livequeue_overflow_total",
			Help: "Subscribers disconnected for falling behind.",
		}),
	}

	reg.MustRegister(m.Subscribers, m.Entries, m.OverflowTotal)

	return m
}

// Hooks returns synchronizer hooks that update the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubscribers: func(n int) { m.Subscribers.Set(float64(n)) },
		OnEntries:     func(n int) { m.Entries.Set(float64(n)) },
		OnOverflow:    m.OverflowTotal.Inc,
	}
}
