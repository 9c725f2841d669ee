// Package metrics exposes Prometheus collectors for the automation service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0xrifai/pharos-network/internal/job"
)

// Collector groups every metric the service records. Each Collector owns its
// own registry so tests can create independent instances.
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	streamsActive prometheus.Gauge
	streamsTotal  prometheus.Counter

	txAttempts *prometheus.CounterVec
	iterations *prometheus.CounterVec

	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
}

// New registers the collectors under namespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "pharos"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_streams_active",
			Help:      "Number of connected log stream observers.",
		}),
		streamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_streams_opened_total",
			Help:      "Total number of log stream connections accepted.",
		}),
		txAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_attempts_total",
			Help:      "Transaction attempts by operation label and outcome.",
		}, []string{"label", "outcome"}),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_iterations_total",
			Help:      "Automation iterations by task name and result.",
		}, []string{"name", "result"}),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by the API.",
		}, []string{"kind"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"kind", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of a job run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests, c.httpErrors, c.httpLatency,
		c.streamsActive, c.streamsTotal,
		c.txAttempts, c.iterations,
		c.jobsSubmitted, c.jobsFinished, c.jobDuration,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// StreamOpened counts a new log stream observer.
func (c *Collector) StreamOpened(string) {
	c.streamsActive.Inc()
	c.streamsTotal.Inc()
}

// StreamClosed counts a disconnected log stream observer.
func (c *Collector) StreamClosed(string) {
	c.streamsActive.Dec()
}

// ObserveAttempt counts one transaction attempt.
func (c *Collector) ObserveAttempt(label, outcome string) {
	c.txAttempts.WithLabelValues(label, outcome).Inc()
}

// ObserveIteration counts one loop iteration.
func (c *Collector) ObserveIteration(name string, ok bool) {
	result := "failed"
	if ok {
		result = "succeeded"
	}
	c.iterations.WithLabelValues(name, result).Inc()
}

// JobSubmitted counts an accepted job.
func (c *Collector) JobSubmitted(kind string) {
	c.jobsSubmitted.WithLabelValues(kind).Inc()
}

// JobFinished counts a finished job and records its duration.
func (c *Collector) JobFinished(kind string, status job.Status, elapsed time.Duration) {
	c.jobsFinished.WithLabelValues(kind, string(status)).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// statusRecorder captures the response code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so event streams keep working.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware records request metrics under the given handler name.
func (c *Collector) Middleware(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		c.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}
