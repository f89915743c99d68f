package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
)

type RouterConfig struct {
	RateLimiter    *redis.RateLimiter // nil disables rate limiting
	RequestTimeout time.Duration
}

// NewRouter mounts the public routes on a chi router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.RateLimiter, logger, IPKeyFunc))

		r.Post("/notifications", h.SubmitNotification)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Get("/users/{userId}/notifications", h.ListUserNotifications)
		r.Get("/users/{userId}/inbox", h.ListInbox)
	})

	return r
}
