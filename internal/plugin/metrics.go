package plugin

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for plugin dispatch.
type Metrics struct {
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns plugin metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwtriage_plugin_calls_total",
			Help: "Total plugin capability calls by plugin, capability and outcome.",
		}, []string{"plugin", "capability", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fwtriage_plugin_call_duration_seconds",
			Help:    "Duration of plugin capability calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"plugin", "capability"}),
	}

	reg.MustRegister(m.CallsTotal, m.CallDuration)

	return m
}

// Hooks returns dispatcher Hooks that update the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnCall: func(pluginID string, c Capability, duration float64, perr *PluginError) {
			outcome := "success"
			if perr != nil {
				outcome = string(perr.Kind)
			}
			m.CallsTotal.WithLabelValues(pluginID, c.String(), outcome).Inc()
			m.CallDuration.WithLabelValues(pluginID, c.String()).Observe(duration)
		},
	}
}
