// Package metrics exposes executor statistics as Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the executor service
type Metrics struct {
	// Run metrics
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// Processor metrics
	jobsTotal     *prometheus.CounterVec
	jobErrors     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	threadSeconds *prometheus.CounterVec

	// Query metrics
	queriesActive prometheus.Gauge
	queriesKilled prometheus.Counter

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance registered on its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_runs_total",
				Help: "Total number of pipeline executions by outcome",
			},
			[]string{"pipeline", "outcome"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_exec_run_duration_seconds",
				Help:    "Pipeline execution wall time in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"pipeline"},
		),

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_processor_jobs_total",
				Help: "Total number of processor work calls",
			},
			[]string{"processor"},
		),

		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_processor_job_errors_total",
				Help: "Total number of failed processor work calls",
			},
			[]string{"processor"},
		),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_exec_processor_job_duration_seconds",
				Help:    "Processor work call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"processor"},
		),

		threadSeconds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_thread_seconds_total",
				Help: "Worker time split into total, execution, processing and wait",
			},
			[]string{"kind"},
		),

		queriesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polis_exec_queries_active",
				Help: "Number of registered running queries",
			},
		),

		queriesKilled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "polis_exec_queries_killed_total",
				Help: "Total number of killed queries",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_config_reloads_total",
				Help: "Total number of pipeline document reloads by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_exec_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_exec_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.jobsTotal,
		m.jobErrors,
		m.jobDuration,
		m.threadSeconds,
		m.queriesActive,
		m.queriesKilled,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordRun records a finished pipeline execution
func (m *Metrics) RecordRun(pipeline, outcome string, duration time.Duration) {
	m.runsTotal.WithLabelValues(pipeline, outcome).Inc()
	m.runDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}

// RecordJob records one processor work call
func (m *Metrics) RecordJob(processor string, duration time.Duration, failed bool) {
	m.jobsTotal.WithLabelValues(processor).Inc()
	if failed {
		m.jobErrors.WithLabelValues(processor).Inc()
	}
	m.jobDuration.WithLabelValues(processor).Observe(duration.Seconds())
}

// RecordThread adds the time split of an exited worker
func (m *Metrics) RecordThread(total, execution, processing, wait time.Duration) {
	m.threadSeconds.WithLabelValues("total").Add(total.Seconds())
	m.threadSeconds.WithLabelValues("execution").Add(execution.Seconds())
	m.threadSeconds.WithLabelValues("processing").Add(processing.Seconds())
	if wait > 0 {
		m.threadSeconds.WithLabelValues("wait").Add(wait.Seconds())
	}
}

// QueryStarted increments the active query gauge
func (m *Metrics) QueryStarted() { m.queriesActive.Inc() }

// QueryFinished decrements the active query gauge
func (m *Metrics) QueryFinished() { m.queriesActive.Dec() }

// RecordQueryKilled records a kill request
func (m *Metrics) RecordQueryKilled() { m.queriesKilled.Inc() }

// RecordConfigReload records a reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an admin HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware creates HTTP middleware that records request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// endpointName keeps label cardinality bounded by dropping path parameters
func endpointName(path string) string {
	switch {
	case path == "/healthz":
		return "healthz"
	case path == "/metrics":
		return "metrics"
	case path == "/queries" || strings.HasPrefix(path, "/queries/"):
		return "queries"
	case path == "/runs" || strings.HasPrefix(path, "/runs/"):
		return "runs"
	default:
		return "unknown"
	}
}
