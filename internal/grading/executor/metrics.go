package executor

import (
	"time"

	"gradebox/internal/grading/model"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects grading outcomes. A nil *Metrics records nothing.
type Metrics struct {
	gradings       *prometheus.CounterVec
	duration       prometheus.Histogram
	inFlight       prometheus.Gauge
	acquireRetries prometheus.Counter
	truncations    *prometheus.CounterVec
}

// NewMetrics registers the executor collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		gradings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradebox",
			Subsystem: "executor",
			Name:      "gradings_total",
			Help:      "Gradings finished, by terminal state.",
		}, []string{"state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gradebox",
			Subsystem: "executor",
			Name:      "grading_duration_seconds",
			Help:      "Wall time from grader start to completion.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gradebox",
			Subsystem: "executor",
			Name:      "gradings_in_flight",
			Help:      "Graders currently running.",
		}),
		acquireRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gradebox",
			Subsystem: "executor",
			Name:      "host_acquire_retries_total",
			Help:      "Host acquisitions that found the pool busy.",
		}),
		truncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradebox",
			Subsystem: "executor",
			Name:      "output_truncated_total",
			Help:      "Grader runs whose output exceeded the kept limit, by stream.",
		}, []string{"stream"}),
	}
	if reg != nil {
		reg.MustRegister(m.gradings, m.duration, m.inFlight, m.acquireRetries, m.truncations)
	}
	return m
}

func (m *Metrics) finished(state model.State, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gradings.WithLabelValues(string(state)).Inc()
	if elapsed > 0 {
		m.duration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) started() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) stopped() {
	if m != nil {
		m.inFlight.Dec()
	}
}

func (m *Metrics) acquireRetry() {
	if m != nil {
		m.acquireRetries.Inc()
	}
}

func (m *Metrics) truncated(stream string) {
	if m != nil {
		m.truncations.WithLabelValues(stream).Inc()
	}
}
