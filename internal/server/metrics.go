package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwbudde/mpbfgs/internal/opt"
	"github.com/cwbudde/mpbfgs/internal/runner"
)

const metricsNamespace = "mpbfgs"

// Metrics exposes run progress to Prometheus. Each Metrics owns its
// registry so that several servers can coexist in one process.
type Metrics struct {
	registry   *prometheus.Registry
	iterations *prometheus.CounterVec
	iteration  *prometheus.GaugeVec
	value      *prometheus.GaugeVec
	gradNorm   *prometheus.GaugeVec
	stepSize   *prometheus.GaugeVec
	finished   *prometheus.CounterVec
}

// NewMetrics creates and registers the run metrics.
func NewMetrics() *Metrics {
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, []string{"run_id"})
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "iterations_observed_total",
			Help:      "Number of progress snapshots observed per run.",
		}, []string{"run_id", "step_type"}),
		iteration: gauge("iteration", "Current iteration counter of the run."),
		value:     gauge("objective_value", "Current objective function value."),
		gradNorm:  gauge("gradient_norm", "Current objective gradient norm."),
		stepSize:  gauge("step_size", "Most recent line search step size."),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_finished_total",
			Help:      "Number of finished runs by final status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(m.iterations, m.iteration, m.value, m.gradNorm, m.stepSize, m.finished)
	return m
}

// Observe records a progress snapshot.
func (m *Metrics) Observe(snap opt.Snapshot) {
	m.iterations.WithLabelValues(snap.RunID, snap.StepType).Inc()
	m.iteration.WithLabelValues(snap.RunID).Set(float64(snap.Iteration))
	m.value.WithLabelValues(snap.RunID).Set(snap.Value)
	m.gradNorm.WithLabelValues(snap.RunID).Set(snap.GradNorm)
	m.stepSize.WithLabelValues(snap.RunID).Set(snap.StepSize)
}

// Finished counts a finished run.
func (m *Metrics) Finished(status runner.Status) {
	m.finished.WithLabelValues(status.String()).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
