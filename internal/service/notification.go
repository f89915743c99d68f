// Package service is the intake side of the pipeline: it validates and
// stores notifications and publishes their first work item.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Store is the part of the notification store intake needs.
type Store interface {
	Create(ctx context.Context, userID string, channel domain.Channel, message string) (*domain.Notification, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Notification, error)
	MarkEnqueued(ctx context.Context, id string, attempts int) error
}

// NotificationService coordinates the store and the work queue.
type NotificationService struct {
	store  Store
	queue  queue.Queue
	logger *zap.Logger
}

func NewNotificationService(store Store, q queue.Queue, logger *zap.Logger) *NotificationService {
	return &NotificationService{store: store, queue: q, logger: logger}
}

// Submit validates req, persists a pending notification and publishes its
// first work item. Invalid requests fail with a *domain.ValidationError
// before anything is written.
//
// A publish failure after the record is stored is not returned: the record
// stays pending without a queued item and reconciliation publishes it later.
func (s *NotificationService) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.Notification, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	n, err := s.store.Create(ctx, req.UserID, domain.Channel(req.Type), req.Message)
	if err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	metrics.RecordSubmitted(n.Type.String())

	log := s.logger.With(
		zap.String("notification_id", n.ID),
		zap.Stringer("channel", n.Type),
	)

	if err := s.queue.Publish(ctx, queue.NewWorkItem(n)); err != nil {
		metrics.RecordPublishFailure()
		log.Error("failed to publish work item, left for reconciliation", zap.Error(err))
		return n, nil
	}
	if err := s.store.MarkEnqueued(ctx, n.ID, n.Attempts); err != nil {
		log.Warn("failed to mark notification enqueued", zap.Error(err))
	}

	log.Info("notification queued", zap.String("user_id", n.UserID))
	return n, nil
}

// Get returns one notification or domain.ErrNotFound.
func (s *NotificationService) Get(ctx context.Context, id string) (*domain.Notification, error) {
	return s.store.GetByID(ctx, id)
}

// ListByUser returns a page of the user's notifications, newest first.
// limit is clamped to [1, MaxListLimit] and defaults to DefaultListLimit.
func (s *NotificationService) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Notification, error) {
	if userID == "" {
		return nil, &domain.ValidationError{Field: "userId", Reason: "is required"}
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListByUser(ctx, userID, limit, offset)
}
