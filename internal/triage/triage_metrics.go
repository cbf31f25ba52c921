package triage

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	ClassifyTotal    *prometheus.CounterVec
	Reclassified     *prometheus.CounterVec
	BackfillDuration prometheus.Histogram
	SubmitsTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClassifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwtriage_classify_total",
			Help: "Total report classifications by result.",
		}, []string{"result"}),
		Reclassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwtriage_backfill_reclassified_total",
			Help: "Total historical reports assigned to an issue by backfill.",
		}, []string{"issue_id"}),
		BackfillDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwtriage_backfill_duration_seconds",
			Help:    "Duration of backfill runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms .. ~262s
		}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwtriage_report_submits_total",
			Help: "Total report submissions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.ClassifyTotal,
		m.Reclassified,
		m.BackfillDuration,
		m.SubmitsTotal,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnClassify: func(matched bool) {
			result := "unmatched"
			if matched {
				result = "matched"
			}
			m.ClassifyTotal.WithLabelValues(result).Inc()
		},
		OnBackfill: func(issueID int64, reclassified int, duration float64) {
			m.Reclassified.WithLabelValues(strconv.FormatInt(issueID, 10)).Add(float64(reclassified))
			m.BackfillDuration.Observe(duration)
		},
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
	}
}
