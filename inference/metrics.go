package inference

import (
	"time"

	"github.com/c360studio/imagegen/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for inference calls.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	attemptsTotal      *prometheus.CounterVec   // By outcome and reason
	attemptDuration    *prometheus.HistogramVec // By outcome
	generationsTotal   *prometheus.CounterVec   // By result
	generationDuration prometheus.Histogram
	backoffWait        prometheus.Histogram
	attemptsPerRequest prometheus.Histogram
}

// NewMetrics creates and registers inference metrics with the provided registry.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &Metrics{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagegen",
			Subsystem: "inference",
			Name:      "attempts_total",
			Help:      "Upstream inference attempts by classified outcome",
		}, []string{"outcome", "reason"}),

		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "imagegen",
			Subsystem: "inference",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of single upstream attempts",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		}, []string{"outcome"}),

		generationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagegen",
			Subsystem: "inference",
			Name:      "generations_total",
			Help:      "Completed generation requests by result",
		}, []string{"result"}), // result: success, terminal, budget_exceeded, cancelled

		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "imagegen",
			Subsystem: "inference",
			Name:      "generation_duration_seconds",
			Help:      "End-to-end duration of generation requests including retries",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 90, 120, 180, 240},
		}),

		backoffWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "imagegen",
			Subsystem: "inference",
			Name:      "backoff_wait_seconds",
			Help:      "Waits inserted between attempts",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 30, 40},
		}),

		attemptsPerRequest: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "imagegen",
			Subsystem: "inference",
			Name:      "attempts_per_generation",
			Help:      "Number of upstream attempts per generation request",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
	}

	collectors := map[string]prometheus.Collector{
		"attempts_total":          m.attemptsTotal,
		"attempt_duration":        m.attemptDuration,
		"generations_total":       m.generationsTotal,
		"generation_duration":     m.generationDuration,
		"backoff_wait":            m.backoffWait,
		"attempts_per_generation": m.attemptsPerRequest,
	}
	for name, collector := range collectors {
		if err := registry.Register("inference", name, collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// recordAttempt records one classified attempt.
func (m *Metrics) recordAttempt(outcome Outcome, duration time.Duration) {
	if m == nil {
		return
	}

	reason := outcome.Reason
	switch outcome.Kind {
	case OutcomeSuccess:
		reason = "none"
	case OutcomeTerminal:
		// Terminal reasons carry free-form upstream text; keep label cardinality bounded.
		if reason != ReasonInvalidResponse {
			reason = "upstream-error"
		}
	}

	m.attemptsTotal.WithLabelValues(outcome.Kind.String(), reason).Inc()
	m.attemptDuration.WithLabelValues(outcome.Kind.String()).Observe(duration.Seconds())
}

// recordWait records one inter-attempt delay.
func (m *Metrics) recordWait(d time.Duration) {
	if m == nil {
		return
	}
	m.backoffWait.Observe(d.Seconds())
}

// recordGeneration records the final result of one request.
func (m *Metrics) recordGeneration(result string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	m.generationsTotal.WithLabelValues(result).Inc()
	m.generationDuration.Observe(duration.Seconds())
	m.attemptsPerRequest.Observe(float64(attempts))
}
