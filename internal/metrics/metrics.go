// Package metrics provides Prometheus metrics for the resource store.
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
	// Admin HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dial_http_requests_total",
			Help: "Total number of admin HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Durable backend metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dial_backend_operation_duration_seconds",
			Help:    "Durable backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dial_backend_operations_total",
			Help: "Total durable backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Cache tier metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dial_cache_lookups_total",
			Help: "Cache tier lookups by store and result",
		},
		[]string{"store", "result"},
	)

	storeWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dial_store_writes_total",
			Help: "Resource writes accepted into the cache tier",
		},
		[]string{"store", "operation"},
	)

	// Lock metrics
	lockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dial_lock_wait_seconds",
			Help:    "Time spent waiting for a lock lease",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
	)

	lockContendedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dial_lock_contended_total",
			Help: "Lock attempts that found the lease held",
		},
	)

	lockLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dial_lock_lost_total",
			Help: "Releases or extensions of a lease no longer owned",
		},
	)

	// Sync metrics
	syncFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dial_sync_flushes_total",
			Help: "Dirty entries flushed to the durable backend",
		},
		[]string{"store", "status"},
	)

	syncBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dial_sync_batch_size",
			Help:    "Number of due entries read per sync tick",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"store"},
	)
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBackendOperation records a durable backend operation.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	backendOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordCacheLookup records a cache tier hit or miss.
func RecordCacheLookup(store string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(store, result).Inc()
}

// RecordWrite records a put, delete or compute accepted by a store.
func RecordWrite(store, operation string) {
	storeWritesTotal.WithLabelValues(store, operation).Inc()
}

// RecordLockWait records how long an acquire waited.
func RecordLockWait(d time.Duration) {
	lockWaitDuration.Observe(d.Seconds())
}

// RecordLockContended counts a failed acquire attempt.
func RecordLockContended() {
	lockContendedTotal.Inc()
}

// RecordLockLost counts a release or extend of a lease owned by someone else.
func RecordLockLost() {
	lockLostTotal.Inc()
}

// RecordFlush records a single flush of a dirty entry.
func RecordFlush(store string, success bool) {
	syncFlushesTotal.WithLabelValues(store, status(success)).Inc()
}

// RecordSyncBatch records the size of a due batch.
func RecordSyncBatch(store string, n int) {
	syncBatchSize.WithLabelValues(store).Observe(float64(n))
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
