// Package metrics provides Prometheus metrics for the storage browser.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagebrowser_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storagebrowser_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Backend metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storagebrowser_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagebrowser_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	uploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagebrowser_upload_bytes_total",
			Help: "Total bytes uploaded through the browser",
		},
		[]string{"backend"},
	)

	// Browser metrics
	listingSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storagebrowser_listing_items",
			Help:    "Number of items returned per listing",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"backend"},
	)

	staleResponsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storagebrowser_stale_responses_total",
			Help: "Listing responses discarded because a newer navigation superseded them",
		},
	)

	partialRenamesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagebrowser_partial_renames_total",
			Help: "Renames that left both the old and new object behind",
		},
		[]string{"backend"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storagebrowser_sessions_active",
			Help: "Number of open browser sessions",
		},
	)

	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storagebrowser_rate_limited_total",
			Help: "Session requests rejected by the per-session rate limit",
		},
	)

	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storagebrowser_sse_connections_active",
			Help: "Number of connected event stream subscribers",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordStorageOperation records a single backend call.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, statusLabel(success)).Inc()
}

// RecordUpload records uploaded bytes.
func RecordUpload(backend string, bytes int64) {
	uploadBytesTotal.WithLabelValues(backend).Add(float64(bytes))
}

// RecordListing records the size of a listing that reached the caller.
func RecordListing(backend string, items int) {
	listingSize.WithLabelValues(backend).Observe(float64(items))
}

// RecordStaleResponse counts a discarded listing response.
func RecordStaleResponse() {
	staleResponsesTotal.Inc()
}

// RecordPartialRename counts a rename that left a duplicate behind.
func RecordPartialRename(backend string) {
	partialRenamesTotal.WithLabelValues(backend).Inc()
}

// SetSessionsActive sets the number of open sessions.
func SetSessionsActive(count int) {
	sessionsActive.Set(float64(count))
}

// RecordRateLimited counts a rejected session request.
func RecordRateLimited() {
	rateLimitedTotal.Inc()
}

// AddSSEConnections adjusts the number of event stream subscribers.
func AddSSEConnections(delta int) {
	sseConnectionsActive.Add(float64(delta))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records request metrics.
// The route pattern is used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
