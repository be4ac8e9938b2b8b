// Package metrics exposes Prometheus instrumentation for the hub:
// sync job outcomes and durations, provider API traffic, token
// refreshes, and inbound HTTP requests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_total",
			Help: "Total number of sync jobs by provider, kind and final status",
		},
		[]string{"provider", "kind", "status"},
	)

	SyncJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_job_duration_seconds",
			Help:    "Wall clock duration of sync jobs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"provider", "kind"},
	)

	SyncRecordsFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_records_fetched_total",
			Help: "Total records fetched from providers",
		},
		[]string{"provider"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Outbound provider API requests by outcome",
		},
		[]string{"provider", "outcome"},
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "Token refresh attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	RateLimitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_denials_total",
			Help: "Requests denied by the rate governor",
		},
		[]string{"provider"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

var registered bool

// Register installs all collectors in the default registry. Safe to
// call once from app startup.
func Register() {
	if registered {
		return
	}
	prometheus.MustRegister(
		SyncJobsTotal,
		SyncJobDuration,
		SyncRecordsFetched,
		ProviderRequestsTotal,
		TokenRefreshesTotal,
		RateLimitDenialsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
	registered = true
}

// Handler returns the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSyncJob records a finished job.
func ObserveSyncJob(provider, kind, status string, duration time.Duration, recordsFetched int) {
	SyncJobsTotal.WithLabelValues(provider, kind, status).Inc()
	SyncJobDuration.WithLabelValues(provider, kind).Observe(duration.Seconds())
	if recordsFetched > 0 {
		SyncRecordsFetched.WithLabelValues(provider).Add(float64(recordsFetched))
	}
}

// ObserveTokenRefresh records a refresh attempt outcome.
func ObserveTokenRefresh(provider string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	TokenRefreshesTotal.WithLabelValues(provider, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// HTTPMiddleware records request counts and latencies. The path label
// uses the route template supplied by the router, not the raw URL, to
// keep cardinality bounded.
func HTTPMiddleware(routeTemplate func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			path := routeTemplate(r)
			status := strconv.Itoa(recorder.status)
			HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			HTTPRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		})
	}
}
