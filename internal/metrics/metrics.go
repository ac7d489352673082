// Package metrics provides Prometheus instrumentation for Canomaly.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/canomaly/internal/domain"
)

const namespace = "canomaly"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route pattern.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AssessmentsTotal counts scored requests by model prediction.
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Total scored ticket requests by prediction.",
		},
		[]string{"prediction"},
	)

	// RiskLevelsTotal counts scored requests by risk level.
	RiskLevelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_levels_total",
			Help:      "Total scored ticket requests by risk level.",
		},
		[]string{"level"},
	)

	// RiskScore observes the distribution of normalized risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Normalized risk score (0-100) of scored requests.",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// PriceValidationsTotal counts fare-class price checks by outcome.
	PriceValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_validations_total",
			Help:      "Total fare-class price checks by outcome (valid, invalid, suspicious, unknown).",
		},
		[]string{"outcome"},
	)

	// ScoringErrorsTotal counts failed scoring requests by error kind.
	ScoringErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_errors_total",
			Help:      "Total failed scoring requests by error kind.",
		},
		[]string{"kind"},
	)

	// PersistenceRetriesTotal counts retried purchase writes.
	PersistenceRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persistence_retries_total",
		Help:      "Total retried purchase writes.",
	})

	// PersistenceFailuresTotal counts purchases that could not be persisted after retries.
	PersistenceFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persistence_failures_total",
		Help:      "Total purchases not persisted after exhausting retries.",
	})

	// EventsPublishedTotal counts events published by topic and result.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total events published by topic and result.",
		},
		[]string{"topic", "result"},
	)

	// AuditLogsTotal counts transaction log rows written by the worker.
	AuditLogsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_logs_total",
			Help:      "Total transaction log rows written by action.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AssessmentsTotal,
		RiskLevelsTotal,
		RiskScore,
		PriceValidationsTotal,
		ScoringErrorsTotal,
		PersistenceRetriesTotal,
		PersistenceFailuresTotal,
		EventsPublishedTotal,
		AuditLogsTotal,
	)
}

// ObserveAssessment records the outcome of one scored request.
func ObserveAssessment(a *domain.Assessment) {
	if a == nil {
		return
	}
	AssessmentsTotal.WithLabelValues(string(a.Prediction)).Inc()
	RiskLevelsTotal.WithLabelValues(string(a.RiskLevel)).Inc()
	RiskScore.Observe(a.RiskScore)
	ObservePriceValidation(a.PriceValidation)
}

// ObservePriceValidation records one fare-class price check.
func ObservePriceValidation(pv domain.PriceValidation) {
	PriceValidationsTotal.WithLabelValues(PriceOutcome(pv)).Inc()
}

// PriceOutcome buckets a price validation into a metric label.
func PriceOutcome(pv domain.PriceValidation) string {
	switch {
	case pv.ClassName == "Unknown":
		return "unknown"
	case pv.IsSuspicious:
		return "suspicious"
	case pv.IsValid:
		return "valid"
	default:
		return "invalid"
	}
}

// ObserveError records a failed scoring request.
func ObserveError(err error) {
	ScoringErrorsTotal.WithLabelValues(string(domain.KindOf(err))).Inc()
}

// ObservePublish records the result of one event publish.
func ObservePublish(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	EventsPublishedTotal.WithLabelValues(topic, result).Inc()
}

// Middleware records request metrics keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Route pattern, not raw path, to bound label cardinality.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
