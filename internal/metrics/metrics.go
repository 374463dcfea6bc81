package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familypush_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "familypush_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	pushOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familypush_push_outcomes_total",
			Help: "Push records finalized by outcome and error code",
		},
		[]string{"outcome", "code"},
	)

	batchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "familypush_gateway_batch_duration_seconds",
			Help:    "Round trip of one gateway batch",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"result"},
	)

	recordsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familypush_records_created_total",
			Help: "Push records created by source",
		},
		[]string{"source"},
	)

	tokensDisabled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familypush_tokens_disabled_total",
			Help: "Device tokens disabled by reason class",
		},
		[]string{"reason"},
	)

	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "familypush_retry_records_total",
			Help: "Failed push records picked up for retry",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "familypush_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "familypush_sqs_messages_in_flight",
			Help: "Send jobs currently being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "familypush_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "familypush_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "familypush_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "familypush_redis_connections_active",
			Help: "Open Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordPushOutcome counts one finalized record. code is empty on success.
func RecordPushOutcome(outcome, code string) {
	pushOutcomes.WithLabelValues(outcome, code).Inc()
}

// ObserveBatch records the duration of one gateway call.
func ObserveBatch(result string, d time.Duration) {
	batchDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordRecordsCreated counts records created for a template or ad hoc send.
func RecordRecordsCreated(source string, n int) {
	recordsCreated.WithLabelValues(source).Add(float64(n))
}

// RecordTokenDisabled counts a token leaving the Enabled state.
func RecordTokenDisabled(reason string) {
	tokensDisabled.WithLabelValues(reason).Inc()
}

// RecordRetries counts records re-dispatched by the retry sweep.
func RecordRetries(n int) {
	retriesTotal.Add(float64(n))
}

// SetBreakerState exports a circuit breaker state as a number.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets open Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the matched chi route
// pattern, so ids in paths do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
