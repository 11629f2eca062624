package screening

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the screening subsystem.
type Metrics struct {
	TransitionsTotal *prometheus.CounterVec
	PrioritiesTotal  *prometheus.CounterVec
	StaleEventsTotal prometheus.Counter
	AnalysisDuration *prometheus.HistogramVec
	SubmitsTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns screening metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_screening_transitions_total",
			Help: "Total screening record state transitions.",
		}, []string{"from", "to"}),
		PrioritiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_screening_priorities_total",
			Help: "Total priority determinations by level and source.",
		}, []string{"priority", "source"}),
		StaleEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookout_screening_stale_events_total",
			Help: "Total analysis results discarded as stale.",
		}),
		AnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lookout_screening_analysis_duration_seconds",
			Help:    "Duration of scoring runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"outcome"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_screening_submits_total",
			Help: "Total capture submissions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.TransitionsTotal,
		m.PrioritiesTotal,
		m.StaleEventsTotal,
		m.AnalysisDuration,
		m.SubmitsTotal,
	)

	return m
}

// MachineHooks returns hooks that increment the machine metrics.
func (m *Metrics) MachineHooks() MachineHooks {
	return MachineHooks{
		OnTransition: func(from, to State) {
			m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		},
		OnPriority: func(level PriorityLevel, manual bool) {
			source := "classifier"
			if manual {
				source = "override"
			}
			m.PrioritiesTotal.WithLabelValues(level.String(), source).Inc()
		},
		OnStale: func() {
			m.StaleEventsTotal.Inc()
		},
	}
}

// ServiceHooks returns hooks that record analysis and submit metrics.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnAnalysis: func(outcome string, seconds float64) {
			m.AnalysisDuration.WithLabelValues(outcome).Observe(seconds)
		},
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
	}
}
