package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPushOutcome(t *testing.T) {
	before := testutil.ToFloat64(pushOutcomes.WithLabelValues("invalid_token", "DeviceNotRegistered"))
	RecordPushOutcome("invalid_token", "DeviceNotRegistered")
	after := testutil.ToFloat64(pushOutcomes.WithLabelValues("invalid_token", "DeviceNotRegistered"))

	if after-before != 1 {
		t.Errorf("expected counter to grow by 1, grew by %v", after-before)
	}
}

func TestRecordRecordsCreated(t *testing.T) {
	before := testutil.ToFloat64(recordsCreated.WithLabelValues("template"))
	RecordRecordsCreated("template", 3)
	if got := testutil.ToFloat64(recordsCreated.WithLabelValues("template")) - before; got != 3 {
		t.Errorf("expected +3, got %v", got)
	}
}

func TestRecordTokenDisabled(t *testing.T) {
	before := testutil.ToFloat64(tokensDisabled.WithLabelValues("too_many_failures"))
	RecordTokenDisabled("too_many_failures")
	if got := testutil.ToFloat64(tokensDisabled.WithLabelValues("too_many_failures")) - before; got != 1 {
		t.Errorf("expected +1, got %v", got)
	}
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("expo", 1)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("expo")); got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
	SetBreakerState("expo", 0)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("expo")); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestGaugesAndCounters(t *testing.T) {
	ObserveBatch("ok", 120*time.Millisecond)
	RecordRetries(4)
	SetSQSMessagesInFlight(3)
	RecordIdempotencyHit()
	RecordRateLimitRejection()
	SetDBConnections(7)
	SetRedisConnections(2)

	if got := testutil.ToFloat64(dbConnectionsActive); got != 7 {
		t.Errorf("db connections = %v", got)
	}
	if got := testutil.ToFloat64(sqsMessagesInFlight); got != 3 {
		t.Errorf("sqs in flight = %v", got)
	}
}

func TestHandler(t *testing.T) {
	RecordRequest("GET", "/health", 200, time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "familypush_http_requests_total") {
		t.Error("expected familypush_http_requests_total in output")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/records/{id}", "418"))

	req := httptest.NewRequest("GET", "/v1/records/8d3c", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/records/{id}", "418"))
	if after-before != 1 {
		t.Errorf("expected request counted under route pattern, delta %v", after-before)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
