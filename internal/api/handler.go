package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
)

// NotificationService is the intake and read side used by the handlers.
type NotificationService interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (*domain.Notification, error)
	Get(ctx context.Context, id string) (*domain.Notification, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Notification, error)
}

// InboxReader lists a user's in-app notifications.
type InboxReader interface {
	List(ctx context.Context, userID string, limit int) ([]redis.InboxEntry, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// SubmitResponse is returned after a notification was accepted.
type SubmitResponse struct {
	Message      string               `json:"message"`
	Notification *domain.Notification `json:"notification"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	notifications NotificationService
	idempotency   *redis.IdempotencyService // nil if Redis not configured
	inbox         InboxReader               // nil if Redis not configured
	checks        map[string]HealthCheck
}

func NewHandler(logger *zap.Logger, notifications NotificationService) *Handler {
	return &Handler{
		logger:        logger,
		notifications: notifications,
		checks:        make(map[string]HealthCheck),
	}
}

// WithIdempotency enables Idempotency-Key handling on submit.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithInbox enables the in-app inbox endpoint.
func (h *Handler) WithInbox(inbox InboxReader) *Handler {
	h.inbox = inbox
	return h
}

// WithHealthCheck adds a named dependency check to /health.
func (h *Handler) WithHealthCheck(name string, check HealthCheck) *Handler {
	h.checks[name] = check
	return h
}

// Root handles GET /
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Service is working"))
}

// SubmitNotification handles POST /v1/notifications.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SubmitNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid notification", err.Error())
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	useKey := idempotencyKey != "" && h.idempotency != nil

	if useKey {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.UserID, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			useKey = false
		case cached != nil:
			if h.replay(w, r, cached) {
				return
			}
		}
	}

	n, err := h.notifications.Submit(ctx, req)
	if err != nil {
		if useKey {
			if relErr := h.idempotency.Release(ctx, req.UserID, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		if errors.Is(err, domain.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid notification", err.Error())
			return
		}
		h.logger.Error("failed to submit notification",
			zap.Error(err),
			zap.String("user_id", req.UserID),
			zap.String("type", req.Type),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create notification", "")
		return
	}

	if useKey {
		result := &redis.IdempotencyResult{
			NotificationID: n.ID,
			StatusCode:     http.StatusCreated,
			CreatedAt:      time.Now().Unix(),
		}
		if err := h.idempotency.Store(ctx, req.UserID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, SubmitResponse{Message: "notification queued", Notification: n})
}

// replay answers a repeated submission from the cached result. It reports
// false when the cached notification can no longer be loaded.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, cached *redis.IdempotencyResult) bool {
	n, err := h.notifications.Get(r.Context(), cached.NotificationID)
	if err != nil {
		h.logger.Warn("cached idempotent notification unavailable",
			zap.Error(err),
			zap.String("notification_id", cached.NotificationID),
		)
		return false
	}

	metrics.RecordIdempotencyHit()
	w.Header().Set("X-Idempotency-Replayed", "true")
	h.writeJSON(w, cached.StatusCode, SubmitResponse{Message: "notification queued", Notification: n})
	return true
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	n, err := h.notifications.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", id))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, n)
}

// ListUserNotifications handles GET /v1/users/{userId}/notifications?limit=20&offset=0
func (h *Handler) ListUserNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	limit, offset := pagination(r)

	notifications, err := h.notifications.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request", err.Error())
			return
		}
		h.logger.Error("failed to list notifications", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// ListInbox handles GET /v1/users/{userId}/inbox?limit=20
func (h *Handler) ListInbox(w http.ResponseWriter, r *http.Request) {
	if h.inbox == nil {
		h.writeError(w, http.StatusServiceUnavailable, "inbox_unavailable", "In-app inbox is not configured", "")
		return
	}

	userID := chi.URLParam(r, "userId")
	limit, _ := pagination(r)

	entries, err := h.inbox.List(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list inbox", zap.Error(err), zap.String("user_id", userID))
		h.writeError(w, http.StatusInternalServerError, "inbox_error", "Failed to list inbox", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"count": len(entries),
	})
}

// Health handles GET /health. Any failing check turns the response into a
// 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	h.writeJSON(w, status, map[string]any{"status": overall, "checks": results})
}

func pagination(r *http.Request) (limit, offset int) {
	limit, offset = 20, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
