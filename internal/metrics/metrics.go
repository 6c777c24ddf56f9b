// Package metrics exposes Prometheus collectors for the dispatcher and the
// HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatches counts requests handed to the backend, by kind (user, marker, sentinel).
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellgate_dispatches_total",
			Help: "Total number of execution requests dispatched to the backend",
		},
		[]string{"kind"},
	)

	// StatusEvents counts classified backend notifications.
	StatusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellgate_status_events_total",
			Help: "Total number of classified backend status notifications",
		},
		[]string{"status"},
	)

	// StaleEvents counts status events discarded by the pre-dispatch drain.
	StaleEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cellgate_stale_events_total",
			Help: "Total number of status events discarded as stale",
		},
	)

	// CancelledRequests counts queued requests discarded by cancellation.
	CancelledRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellgate_cancelled_requests_total",
			Help: "Total number of queued requests discarded without dispatch",
		},
		[]string{"reason"},
	)

	// QueueDepth tracks the depth of the submission and status queues.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cellgate_queue_depth",
			Help: "Current number of items waiting in a queue",
		},
		[]string{"queue"},
	)

	// WebhookTriggers counts signed trigger calls by endpoint path and result.
	WebhookTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellgate_webhook_triggers_total",
			Help: "Total number of webhook trigger calls",
		},
		[]string{"path", "result"},
	)

	// RequestsTotal counts HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks HTTP request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request counts and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps label cardinality bounded.
func normalizePath(path string) string {
	switch path {
	case "/healthz", "/metrics", "/openapi.json", "/submit", "/run-all", "/stop", "/status", "/history", "/events":
		return path
	}
	if strings.HasPrefix(path, "/history/") {
		return "/history/{id}"
	}
	return "other"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
