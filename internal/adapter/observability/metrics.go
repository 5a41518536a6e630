package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of sync runs by namespace and outcome",
		},
		[]string{"namespace", "outcome"},
	)
	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"namespace"},
	)
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "records_total",
			Help: "Records seen by the ingestion pipeline by namespace and result",
		},
		[]string{"namespace", "result"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Retry attempts by operation and reason",
		},
		[]string{"operation", "reason"},
	)

	EmbeddingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embeddings_total",
			Help: "Embedding drain outcomes",
		},
		[]string{"status"},
	)
	EmbeddingsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "embeddings_pending",
			Help: "Records currently waiting for embedding",
		},
	)
	VectorCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vector_index_entries",
			Help: "Live entries in the vector index",
		},
	)

	SchedulerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_runs_total",
			Help: "Scheduled job runs by job name and outcome",
		},
		[]string{"job", "outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SyncRunsTotal)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(EmbeddingsTotal)
	prometheus.MustRegister(EmbeddingsPending)
	prometheus.MustRegister(VectorCount)
	prometheus.MustRegister(SchedulerRunsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveSyncRun records one completed sync run.
func ObserveSyncRun(namespace string, failed bool, d time.Duration) {
	outcome := "success"
	if failed {
		outcome = "failed"
	}
	SyncRunsTotal.WithLabelValues(namespace, outcome).Inc()
	SyncDuration.WithLabelValues(namespace).Observe(d.Seconds())
}

// CountRecords bumps the per-namespace pipeline counter.
// result is one of stored, skipped, error.
func CountRecords(namespace, result string, n int) {
	if n <= 0 {
		return
	}
	RecordsTotal.WithLabelValues(namespace, result).Add(float64(n))
}

// CountRetry records one retry attempt for an operation.
func CountRetry(operation, reason string) {
	RetryAttemptsTotal.WithLabelValues(operation, reason).Inc()
}

// CountEmbeddings records drain outcomes; status is completed or failed.
func CountEmbeddings(status string, n int) {
	if n <= 0 {
		return
	}
	EmbeddingsTotal.WithLabelValues(status).Add(float64(n))
}

// CountJobRun records one scheduler dispatch outcome.
func CountJobRun(job, outcome string) {
	SchedulerRunsTotal.WithLabelValues(job, outcome).Inc()
}
