// Package metrics exposes the service counters and gauges in Prometheus
// text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry so tests can build
// isolated instances.
type Metrics struct {
	reg *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	QueueDepth        prometheus.Gauge
	RunningJobs       prometheus.Gauge
	BrowsersAvailable prometheus.Gauge
	WebhookAttempts   *prometheus.CounterVec
	ScriptsBlocked    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "browserd_executions_total",
		Help: "Terminal executions by outcome.",
	}, []string{"status"})

	m.ExecutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "browserd_execution_duration_seconds",
		Help:    "Wall time of script executions.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "browserd_queue_depth",
		Help: "Jobs waiting in the priority queue.",
	})

	m.RunningJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "browserd_running_jobs",
		Help: "Jobs currently executing.",
	})

	m.BrowsersAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "browserd_browsers_available",
		Help: "Idle browsers in the pool.",
	})

	m.WebhookAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "browserd_webhook_attempts_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	m.ScriptsBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "browserd_scripts_blocked_total",
		Help: "Submissions rejected by the circuit breaker.",
	})

	m.reg.MustRegister(
		m.ExecutionsTotal, m.ExecutionDuration, m.QueueDepth, m.RunningJobs,
		m.BrowsersAvailable, m.WebhookAttempts, m.ScriptsBlocked,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the text exposition for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
