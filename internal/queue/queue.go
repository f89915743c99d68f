// Package queue defines the work item envelope and the work queue contract
// used between intake and the dispatch workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/domain"
)

// DefaultName is the queue notifications are published to.
const DefaultName = "notifications"

var ErrClosed = errors.New("queue closed")

// WorkItem references a notification plus its retry count. The copied
// fields are advisory; workers re-read the store before acting.
type WorkItem struct {
	ID             string         `json:"id"`
	NotificationID string         `json:"notification_id"`
	UserID         string         `json:"user_id"`
	Channel        domain.Channel `json:"channel"`
	Message        string         `json:"message"`
	RetryCount     int            `json:"retry_count"`
	EnqueuedAt     int64          `json:"enqueued_at"`
}

// NewWorkItem builds the first envelope for a notification.
func NewWorkItem(n *domain.Notification) WorkItem {
	return WorkItem{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		UserID:         n.UserID,
		Channel:        n.Type,
		Message:        n.Message,
		RetryCount:     n.Attempts,
		EnqueuedAt:     time.Now().UnixNano(),
	}
}

// Next returns a fresh envelope for the same notification with the retry
// count incremented.
func (w WorkItem) Next() WorkItem {
	next := w
	next.ID = uuid.NewString()
	next.RetryCount = w.RetryCount + 1
	next.EnqueuedAt = time.Now().UnixNano()
	return next
}

// Encode serializes the item for a wire queue.
func (w WorkItem) Encode() (string, error) {
	body, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("marshal work item: %w", err)
	}
	return string(body), nil
}

// Decode parses a serialized work item. A missing retry_count reads as 0.
func Decode(body string) (WorkItem, error) {
	var w WorkItem
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return WorkItem{}, fmt.Errorf("invalid work item: %w", err)
	}
	if w.NotificationID == "" {
		return WorkItem{}, fmt.Errorf("invalid work item: missing notification_id")
	}
	if w.RetryCount < 0 {
		w.RetryCount = 0
	}
	return w, nil
}

// Delivery is a received, not yet acknowledged work item. Receipt is the
// backend handle used to ack it.
type Delivery struct {
	Item    WorkItem
	Receipt string
}

// Queue is a durable named queue with at-least-once delivery.
type Queue interface {
	// Publish appends an item to the queue.
	Publish(ctx context.Context, item WorkItem) error
	// Receive waits for the next item. It returns nil, nil when the poll
	// window elapsed without one.
	Receive(ctx context.Context) (*Delivery, error)
	// Ack removes a received item permanently.
	Ack(ctx context.Context, d *Delivery) error
	// Requeue publishes d.Item.Next() and acks d as one step.
	Requeue(ctx context.Context, d *Delivery) (WorkItem, error)
	// Release hands an unprocessed item back for immediate redelivery.
	Release(ctx context.Context, d *Delivery) error
}

// Recoverer is implemented by queues that must return expired in-flight
// items themselves.
type Recoverer interface {
	RecoverExpired(ctx context.Context) (int, error)
}

// Ephemeral is implemented by queues whose items are lost on restart. The
// store's enqueued markers for such a queue are meaningless after startup.
type Ephemeral interface {
	Ephemeral()
}
