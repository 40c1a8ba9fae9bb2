// Package metrics exposes the sandbox's per-invocation outcome signals.
//
// The sandbox itself does not own a metrics pipeline; it reports through
// the Recorder interface and the host decides where the numbers go. The
// Prometheus implementation is the default for hosts without their own
// collector, and the no-op implementation keeps tests quiet.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome classifies one execution request for the call counter.
type Outcome string

const (
	// OutcomeRejected means validation refused the code; nothing ran.
	OutcomeRejected Outcome = "validated_rejected"

	// OutcomeSuccess means the code ran and exited zero.
	OutcomeSuccess Outcome = "executed_success"

	// OutcomeFailure means the code ran and failed on its own.
	OutcomeFailure Outcome = "executed_failure"

	// OutcomeTimeout means the deadline fired and the unit was killed.
	OutcomeTimeout Outcome = "timed_out"

	// OutcomeBackendError means the execution substrate itself failed.
	OutcomeBackendError Outcome = "backend_error"
)

// Recorder receives one observation per execution request.
type Recorder interface {
	// ObserveExecution records the outcome and the sandbox-measured
	// wall-clock duration in seconds. The duration is zero for requests
	// that never reached a backend.
	ObserveExecution(outcome Outcome, seconds float64)
}

// PrometheusRecorder implements Recorder on a Prometheus registry.
type PrometheusRecorder struct {
	executions *prometheus.CounterVec
	duration   prometheus.Histogram
}

// NewPrometheus creates a recorder registered on reg.
func NewPrometheus(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Name:      "executions_total",
			Help:      "Code execution requests by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "execbox",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock execution duration measured by the sandbox.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
	}
	reg.MustRegister(r.executions, r.duration)
	return r
}

func (r *PrometheusRecorder) ObserveExecution(outcome Outcome, seconds float64) {
	r.executions.WithLabelValues(string(outcome)).Inc()
	if seconds > 0 {
		r.duration.Observe(seconds)
	}
}

type nopRecorder struct{}

func (nopRecorder) ObserveExecution(Outcome, float64) {}

// NewNop returns a recorder that discards every observation.
func NewNop() Recorder { return nopRecorder{} }
