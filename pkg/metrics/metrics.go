// Package metrics holds the Prometheus collectors exported by sourcewatch.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sourcewatch"

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry prometheus.Gatherer

	ExtractChunksTotal   *prometheus.CounterVec
	ExtractPagesTotal    *prometheus.CounterVec
	ExtractBatchFailures *prometheus.CounterVec
	ExtractDuration      *prometheus.HistogramVec
	QueryGenerations     *prometheus.CounterVec
	RateLimitDecisions   *prometheus.CounterVec
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ExtractChunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extract_chunks_total",
			Help:      "Extraction calls completed, one per chunk.",
		}, []string{"trigger"}),
		ExtractPagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extract_pages_total",
			Help:      "Extracted pages recorded.",
		}, []string{"status"}), // success, error
		ExtractBatchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extract_batch_failures_total",
			Help:      "Extraction calls that failed and aborted a run.",
		}, []string{"trigger"}),
		ExtractDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extract_call_duration_seconds",
			Help:      "Duration of extraction service calls.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"trigger"}),
		QueryGenerations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_generations_total",
			Help:      "Search query generation attempts by status.",
		}, []string{"status"}),
		RateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by route group.",
		}, []string{"group", "decision"}), // allowed, rejected
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncChunk(trigger string) {
	m.ExtractChunksTotal.WithLabelValues(trigger).Inc()
}

func (m *Metrics) IncPage(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ExtractPagesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncBatchFailure(trigger string) {
	m.ExtractBatchFailures.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ObserveExtract(trigger string, d time.Duration) {
	m.ExtractDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

func (m *Metrics) IncQueryGeneration(status string) {
	m.QueryGenerations.WithLabelValues(status).Inc()
}

// IncRateLimit counts one limiter decision for a route group.
func (m *Metrics) IncRateLimit(group string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	m.RateLimitDecisions.WithLabelValues(group, decision).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and durations. routeFn maps a request to
// a low-cardinality route label.
func (m *Metrics) Middleware(routeFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeFn != nil {
				if name := routeFn(r); name != "" {
					route = name
				}
			}
			status := strconv.Itoa(rw.statusCode)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		})
	}
}
