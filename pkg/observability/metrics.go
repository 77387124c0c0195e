package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
// Every recording helper is safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Field-level access control
	FLACDecisionsTotal     *prometheus.CounterVec
	FLACDeniedFieldsTotal  *prometheus.CounterVec
	FLACEvaluationDuration *prometheus.HistogramVec
	GrantCacheEventsTotal  *prometheus.CounterVec

	// Ledger
	LedgerAppendsTotal       *prometheus.CounterVec
	LedgerAppendDuration     prometheus.Histogram
	LedgerAppendRetriesTotal prometheus.Counter
	AuditAppendFailuresTotal *prometheus.CounterVec
	AuditDeadLettersTotal    prometheus.Counter
	AuditQueueDepth          prometheus.Gauge
	LedgerVerificationsTotal *prometheus.CounterVec

	// Notary
	NotarySubmissionsTotal     *prometheus.CounterVec
	NotaryAnchoredEntriesTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trust_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		FLACDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_flac_decisions_total",
				Help: "Field-level access decisions by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		FLACDeniedFieldsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_flac_denied_fields_total",
				Help: "Fields rejected by the write guard or removed by the read mask",
			},
			[]string{"resource_type"},
		),
		FLACEvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trust_flac_evaluation_duration_seconds",
				Help:    "Time spent resolving effective field permissions",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"operation"},
		),
		GrantCacheEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_grant_cache_events_total",
				Help: "Grant cache hits, misses and invalidations",
			},
			[]string{"event"},
		),

		LedgerAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_ledger_appends_total",
				Help: "Ledger append attempts by final status",
			},
			[]string{"status"},
		),
		LedgerAppendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trust_ledger_append_duration_seconds",
				Help:    "Ledger append duration including lock wait",
				Buckets: prometheus.DefBuckets,
			},
		),
		LedgerAppendRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trust_ledger_append_retries_total",
				Help: "Ledger append retries after a conflict or store error",
			},
		),
		AuditAppendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_audit_append_failures_total",
				Help: "Audit appends that failed, by stage",
			},
			[]string{"stage"},
		),
		AuditDeadLettersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trust_audit_dead_letters_total",
				Help: "Audit requests moved to the dead letter list",
			},
		),
		AuditQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trust_audit_queue_depth",
				Help: "Pending audit requests waiting to be appended",
			},
		),
		LedgerVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_ledger_verifications_total",
				Help: "Ledger verification runs by result",
			},
			[]string{"result"},
		),

		NotarySubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_notary_submissions_total",
				Help: "Notary batch submissions by status",
			},
			[]string{"status"},
		),
		NotaryAnchoredEntriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trust_notary_anchored_entries_total",
				Help: "Ledger entries that received a notary reference",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.FLACDecisionsTotal,
		m.FLACDeniedFieldsTotal,
		m.FLACEvaluationDuration,
		m.GrantCacheEventsTotal,
		m.LedgerAppendsTotal,
		m.LedgerAppendDuration,
		m.LedgerAppendRetriesTotal,
		m.AuditAppendFailuresTotal,
		m.AuditDeadLettersTotal,
		m.AuditQueueDepth,
		m.LedgerVerificationsTotal,
		m.NotarySubmissionsTotal,
		m.NotaryAnchoredEntriesTotal,
	)

	return m
}

// RecordDecision counts a write-guard or read-mask outcome
func (m *Metrics) RecordDecision(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FLACDecisionsTotal.WithLabelValues(operation, outcome).Inc()
	m.FLACEvaluationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordDeniedFields counts fields that were rejected or masked
func (m *Metrics) RecordDeniedFields(resourceType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FLACDeniedFieldsTotal.WithLabelValues(resourceType).Add(float64(n))
}

// RecordCacheEvent counts grant cache hit/miss/invalidate events
func (m *Metrics) RecordCacheEvent(event string) {
	if m == nil {
		return
	}
	m.GrantCacheEventsTotal.WithLabelValues(event).Inc()
}

// RecordAppend records the outcome of a ledger append
func (m *Metrics) RecordAppend(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LedgerAppendsTotal.WithLabelValues(status).Inc()
	m.LedgerAppendDuration.Observe(elapsed.Seconds())
}

// RecordAppendRetry counts one append retry
func (m *Metrics) RecordAppendRetry() {
	if m == nil {
		return
	}
	m.LedgerAppendRetriesTotal.Inc()
}

// RecordAuditFailure counts an audit append failure at the given stage
func (m *Metrics) RecordAuditFailure(stage string) {
	if m == nil {
		return
	}
	m.AuditAppendFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordDeadLetter counts a dead-lettered audit request
func (m *Metrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.AuditDeadLettersTotal.Inc()
}

// SetQueueDepth reports the current number of pending audit requests
func (m *Metrics) SetQueueDepth(depth int64) {
	if m == nil {
		return
	}
	m.AuditQueueDepth.Set(float64(depth))
}

// RecordVerification counts a verification run by result (ok, broken, gap, error)
func (m *Metrics) RecordVerification(result string) {
	if m == nil {
		return
	}
	m.LedgerVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordNotarySubmission counts a notary batch and the entries it anchored
func (m *Metrics) RecordNotarySubmission(status string, anchored int) {
	if m == nil {
		return
	}
	m.NotarySubmissionsTotal.WithLabelValues(status).Inc()
	if anchored > 0 {
		m.NotaryAnchoredEntriesTotal.Add(float64(anchored))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Paths are labelled by their mux route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
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

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
