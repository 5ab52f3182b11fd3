package correlate

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the analysis subsystem.
type Metrics struct {
	AnalysesTotal     *prometheus.CounterVec
	AnalysisDuration  prometheus.Histogram
	TopConfidence     prometheus.Histogram
	InferenceDuration prometheus.Histogram
	InferenceFailures prometheus.Counter
}

// NewMetrics registers and returns analysis metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_analyses_total",
			Help: "Total analyses by confidence label.",
		}, []string{"label"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_analysis_duration_seconds",
			Help:    "Duration of analysis runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~40s
		}),
		TopConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_analysis_top_confidence",
			Help:    "Confidence of the top hypothesis per analysis.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1.0
		}),
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_inference_duration_seconds",
			Help:    "Duration of inference calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms .. ~51s
		}),
		InferenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_inference_failures_total",
			Help: "Inference calls that failed or timed out.",
		}),
	}

	reg.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.TopConfidence,
		m.InferenceDuration,
		m.InferenceFailures,
	)
	return m
}
