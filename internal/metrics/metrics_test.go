package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape returned %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestRecorders(t *testing.T) {
	RecordSubmitted("email")
	RecordPublishFailure()
	RecordDeliveryAttempt("sms", "failure", 20*time.Millisecond)
	RecordRetry("sms")
	RecordTerminal("failed", "sms", 3*time.Second)
	RecordDiscard("stale")
	IncInFlight()
	DecInFlight()
	RecordReconciled(2)
	RecordRecovered(1)
	SetBreakerState("ses", 1)
	RecordIdempotencyHit()
	RecordRateLimitRejection()

	out := scrape(t)
	for _, want := range []string{
		`courier_notifications_submitted_total{channel="email"}`,
		`courier_publish_failures_total`,
		`courier_delivery_attempts_total{channel="sms",outcome="failure"}`,
		`courier_retries_total{channel="sms"}`,
		`courier_notifications_terminal_total{channel="sms",status="failed"}`,
		`courier_work_items_discarded_total{reason="stale"}`,
		`courier_work_items_in_flight`,
		`courier_reconciled_total`,
		`courier_queue_recovered_total`,
		`courier_circuit_breaker_state{provider="ses"} 1`,
		`courier_idempotency_hits_total`,
		`courier_rate_limit_rejections_total`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %s", want)
		}
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/notifications/abc", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}

	out := scrape(t)
	if !strings.Contains(out, `courier_http_requests_total{method="GET",route="/v1/notifications/{id}",status="404"}`) {
		t.Error("request should be recorded under the route pattern")
	}
	if strings.Contains(out, `route="/v1/notifications/abc"`) {
		t.Error("raw path should not be used as a label")
	}
}

func TestMiddleware_DefaultStatus(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plain", nil))

	if !strings.Contains(scrape(t), `courier_http_requests_total{method="GET",route="/plain",status="200"}`) {
		t.Error("unrouted request should fall back to the URL path")
	}
}
