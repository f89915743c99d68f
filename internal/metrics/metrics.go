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
			Name: "courier_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	notificationsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_submitted_total",
			Help: "Notifications accepted by intake",
		},
		[]string{"channel"},
	)

	publishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_publish_failures_total",
			Help: "Stored notifications whose initial publish failed and were left for reconciliation",
		},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_attempts_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_duration_seconds",
			Help:    "Time spent in a single delivery attempt",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_retries_total",
			Help: "Work items requeued after a failed attempt",
		},
		[]string{"channel"},
	)

	terminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_terminal_total",
			Help: "Notifications reaching sent or failed",
		},
		[]string{"status", "channel"},
	)

	endToEndLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_notification_latency_seconds",
			Help:    "Time from creation to a terminal status",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"status"},
	)

	discardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_work_items_discarded_total",
			Help: "Work items acked without a delivery attempt",
		},
		[]string{"reason"},
	)

	inFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_work_items_in_flight",
			Help: "Work items currently held by workers",
		},
	)

	reconciledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_reconciled_total",
			Help: "Notifications republished by the reconciler",
		},
	)

	recoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_queue_recovered_total",
			Help: "Expired in-flight work items made visible again",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Submissions answered from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordSubmitted(channel string) {
	notificationsSubmitted.WithLabelValues(channel).Inc()
}

func RecordPublishFailure() {
	publishFailures.Inc()
}

// RecordDeliveryAttempt counts one attempt. outcome is "success", "failure"
// or "timeout".
func RecordDeliveryAttempt(channel, outcome string, duration time.Duration) {
	deliveryAttempts.WithLabelValues(channel, outcome).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func RecordRetry(channel string) {
	retriesTotal.WithLabelValues(channel).Inc()
}

// RecordTerminal counts a notification reaching status and observes its
// age at that point.
func RecordTerminal(status, channel string, age time.Duration) {
	terminalTotal.WithLabelValues(status, channel).Inc()
	endToEndLatency.WithLabelValues(status).Observe(age.Seconds())
}

func RecordDiscard(reason string) {
	discardsTotal.WithLabelValues(reason).Inc()
}

func IncInFlight() { inFlight.Inc() }
func DecInFlight() { inFlight.Dec() }

func RecordReconciled(n int) {
	reconciledTotal.Add(float64(n))
}

func RecordRecovered(n int) {
	recoveredTotal.Add(float64(n))
}

func SetBreakerState(provider string, state int) {
	breakerState.WithLabelValues(provider).Set(float64(state))
}

func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
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
// pattern, so path parameters do not create new series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
