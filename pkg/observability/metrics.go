package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every method is safe on a nil *Metrics.
type Metrics struct {
	// HTTP metrics (ops router)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Auth flow metrics
	LoginsTotal         *prometheus.CounterVec
	RefreshesTotal      *prometheus.CounterVec
	ReplayDetections    prometheus.Counter
	RateLimitRejections prometheus.Counter
	LedgerWriteErrors   prometheus.Counter
	SessionsOpened      prometheus.Counter
	SessionsClosed      *prometheus.CounterVec
	PasswordResetsTotal *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheErrorsTotal *prometheus.CounterVec

	// Retention metrics
	SweeperRunsTotal    *prometheus.CounterVec
	SweeperDeletedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusauth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusauth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusauth_logins_total",
				Help: "Login attempts by result",
			},
			[]string{"result"},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusauth_refreshes_total",
				Help: "Refresh token rotations by result",
			},
			[]string{"result"},
		),
		ReplayDetections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campusauth_refresh_replay_detections_total",
				Help: "Refresh tokens presented after they were used",
			},
		),
		RateLimitRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campusauth_rate_limit_rejections_total",
				Help: "Login attempts rejected by the rate limiter",
			},
		),
		LedgerWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campusauth_login_ledger_write_errors_total",
				Help: "Login attempt rows that could not be written",
			},
		),
		SessionsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campusauth_sessions_opened_total",
				Help: "Sessions opened",
			},
		),
		SessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusauth_sessions_closed_total",
				Help: "Sessions closed by reason",
			},
			[]string{"reason"},
		),
		PasswordResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusauth_password_resets_total",
				Help: "Password reset flow events by stage and result",
			},
			[]string{"stage", "result"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campusauth_operation_duration_seconds",
				Help:    "Auth operation duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusauth_cache_hits_total",
				Help: "Cache hits by keyspace",
			},
			[]string{"keyspace"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusauth_cache_misses_total",
				Help: "Cache misses by keyspace",
			},
			[]string{"keyspace"},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusauth_cache_errors_total",
				Help: "Cache errors by keyspace and operation",
			},
			[]string{"keyspace", "operation"},
		),

		SweeperRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusauth_sweeper_runs_total",
				Help: "Retention job runs by job and status",
			},
			[]string{"job", "status"},
		),
		SweeperDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusauth_sweeper_deleted_rows_total",
				Help: "Rows deleted by retention jobs",
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.RefreshesTotal,
		m.ReplayDetections,
		m.RateLimitRejections,
		m.LedgerWriteErrors,
		m.SessionsOpened,
		m.SessionsClosed,
		m.PasswordResetsTotal,
		m.OperationDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		m.SweeperRunsTotal,
		m.SweeperDeletedTotal,
	)

	return m
}

// RecordLogin counts a login by result
func (m *Metrics) RecordLogin(result string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(result).Inc()
}

// RecordRefresh counts a refresh by result
func (m *Metrics) RecordRefresh(result string) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(result).Inc()
}

// RecordReplay counts a refresh token replay
func (m *Metrics) RecordReplay() {
	if m == nil {
		return
	}
	m.ReplayDetections.Inc()
}

// RecordRateLimited counts a rate limit rejection
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejections.Inc()
}

// RecordLedgerError counts a failed login attempt write
func (m *Metrics) RecordLedgerError() {
	if m == nil {
		return
	}
	m.LedgerWriteErrors.Inc()
}

// RecordSessionOpened counts an opened session
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
}

// RecordSessionsClosed counts closed sessions
func (m *Metrics) RecordSessionsClosed(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Add(float64(n))
}

// RecordPasswordReset counts a password reset event
func (m *Metrics) RecordPasswordReset(stage, result string) {
	if m == nil {
		return
	}
	m.PasswordResetsTotal.WithLabelValues(stage, result).Inc()
}

// ObserveOperation records an operation's duration
func (m *Metrics) ObserveOperation(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordCacheHit counts a cache hit
func (m *Metrics) RecordCacheHit(keyspace string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(keyspace).Inc()
}

// RecordCacheMiss counts a cache miss
func (m *Metrics) RecordCacheMiss(keyspace string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(keyspace).Inc()
}

// RecordCacheError counts a cache failure
func (m *Metrics) RecordCacheError(keyspace, operation string) {
	if m == nil {
		return
	}
	m.CacheErrorsTotal.WithLabelValues(keyspace, operation).Inc()
}

// RecordSweep counts a retention job run and its deleted rows
func (m *Metrics) RecordSweep(job string, deleted int64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SweeperRunsTotal.WithLabelValues(job, status).Inc()
	if deleted > 0 {
		m.SweeperDeletedTotal.WithLabelValues(job).Add(float64(deleted))
	}
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

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// The route template is used as the path label when gorilla/mux matched one.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
