package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/copyleftdev/descent/internal/optimization"
)

// Metrics are the Prometheus collectors of the optimization service.
type Metrics struct {
	Runs        *prometheus.CounterVec
	Active      prometheus.Gauge
	Iterations  *prometheus.HistogramVec
	Evaluations *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
}

// NewMetrics registers the service collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "descent",
			Name:      "runs_total",
			Help:      "Finished optimization runs by method and outcome.",
		}, []string{"method", "status"}),
		Active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "descent",
			Name:      "active_runs",
			Help:      "Optimization runs currently holding a worker.",
		}),
		Iterations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "descent",
			Name:      "run_iterations",
			Help:      "Outer iterations per finished run.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"method"}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "descent",
			Name:      "evaluations_total",
			Help:      "Objective, gradient and Hessian evaluations.",
		}, []string{"kind"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "descent",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) observe(method, status string, res *optimization.Result, seconds float64) {
	m.Runs.WithLabelValues(method, status).Inc()
	m.Duration.WithLabelValues(method).Observe(seconds)
	if res == nil {
		return
	}
	m.Iterations.WithLabelValues(method).Observe(float64(res.Iterations))
	m.Evaluations.WithLabelValues("func").Add(float64(res.Evaluations.Func))
	m.Evaluations.WithLabelValues("grad").Add(float64(res.Evaluations.Grad))
	m.Evaluations.WithLabelValues("hess").Add(float64(res.Evaluations.Hess))
}
