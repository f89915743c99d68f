// Package worker consumes the notification queue and drives each
// notification to sent or failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
)

// ErrDeliveryTimeout marks an attempt cut off by the delivery timeout.
var ErrDeliveryTimeout = errors.New("delivery timed out")

// Store is the part of the notification store the worker needs.
type Store interface {
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	UpdateStatus(ctx context.Context, u domain.StatusUpdate) error
	MarkEnqueued(ctx context.Context, id string, attempts int) error
}

// Notifier is told about every notification that reached sent or failed.
type Notifier interface {
	NotifyOutcome(ctx context.Context, n *domain.Notification) error
}

type Config struct {
	// MaxRetries is the number of redeliveries after the first attempt.
	MaxRetries      int
	DeliveryTimeout time.Duration
	// ErrorBackoff is the pause after a queue or store error.
	ErrorBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		DeliveryTimeout: 30 * time.Second,
		ErrorBackoff:    time.Second,
	}
}

// Worker handles one work item at a time.
type Worker struct {
	id       int
	queue    queue.Queue
	store    Store
	sender   Sender
	limiter  *ChannelLimiters
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
}

func New(id int, q queue.Queue, store Store, sender Sender, limiter *ChannelLimiters, cfg Config, logger *zap.Logger) *Worker {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if limiter == nil {
		limiter = NewChannelLimiters(0)
	}
	return &Worker{
		id:      id,
		queue:   q,
		store:   store,
		sender:  sender,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With(zap.Int("worker_id", id)),
	}
}

// WithNotifier reports terminal outcomes to n.
func (w *Worker) WithNotifier(n Notifier) *Worker {
	w.notifier = n
	return w
}

// Run receives and handles items until ctx is cancelled. An item already
// being delivered when ctx is cancelled is finished first.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	for ctx.Err() == nil {
		d, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive work item", zap.Error(err))
			w.pause(ctx)
			continue
		}
		if d == nil {
			continue
		}
		w.handle(ctx, d)
	}
}

func (w *Worker) handle(ctx context.Context, d *queue.Delivery) {
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	item := d.Item
	log := w.logger.With(
		zap.String("notification_id", item.NotificationID),
		zap.String("work_item_id", item.ID),
		zap.Int("retry_count", item.RetryCount),
	)

	n, err := w.store.GetByID(ctx, item.NotificationID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("notification not found, discarding work item")
		w.discard(ctx, d, "not_found", log)
		return
	case err != nil:
		log.Error("failed to load notification", zap.Error(err))
		w.release(ctx, d, log)
		w.pause(ctx)
		return
	}

	if n.Status.IsTerminal() || n.Attempts != item.RetryCount {
		log.Info("stale work item, discarding",
			zap.Stringer("status", n.Status),
			zap.Int("attempts", n.Attempts),
		)
		w.discard(ctx, d, "stale", log)
		return
	}

	if err := w.limiter.Wait(ctx, n.Type); err != nil {
		w.release(ctx, d, log)
		return
	}

	// Bookkeeping after delivery must finish even if shutdown begins.
	bg := context.WithoutCancel(ctx)

	start := time.Now()
	sendErr := w.deliver(bg, n)
	elapsed := time.Since(start)

	if sendErr == nil {
		metrics.RecordDeliveryAttempt(n.Type.String(), "success", elapsed)
		w.complete(bg, d, n, log)
		return
	}

	outcome := "failure"
	if errors.Is(sendErr, ErrDeliveryTimeout) {
		outcome = "timeout"
	}
	metrics.RecordDeliveryAttempt(n.Type.String(), outcome, elapsed)
	log.Warn("delivery attempt failed", zap.Error(sendErr), zap.Duration("elapsed", elapsed))
	w.fail(bg, d, n, sendErr, log)
}

// deliver runs one send bounded by DeliveryTimeout.
func (w *Worker) deliver(ctx context.Context, n *domain.Notification) error {
	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
	defer cancel()

	err := w.sender.Send(sendCtx, n)
	if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrDeliveryTimeout, w.cfg.DeliveryTimeout, err)
	}
	return err
}

func (w *Worker) complete(ctx context.Context, d *queue.Delivery, n *domain.Notification, log *zap.Logger) {
	err := w.store.UpdateStatus(ctx, domain.StatusUpdate{
		ID:           n.ID,
		FromStatus:   n.Status,
		FromAttempts: n.Attempts,
		ToStatus:     domain.StatusSent,
		Attempts:     n.Attempts + 1,
	})
	if !w.persisted(ctx, d, err, log) {
		return
	}

	w.ack(ctx, d, log)
	metrics.RecordTerminal(domain.StatusSent.String(), n.Type.String(), time.Since(n.CreatedAt))
	log.Info("notification sent", zap.Int("attempts", n.Attempts+1))
	w.announce(ctx, n, domain.StatusSent, "", log)
}

func (w *Worker) fail(ctx context.Context, d *queue.Delivery, n *domain.Notification, sendErr error, log *zap.Logger) {
	attempts := n.Attempts + 1

	if d.Item.RetryCount >= w.cfg.MaxRetries {
		err := w.store.UpdateStatus(ctx, domain.StatusUpdate{
			ID:           n.ID,
			FromStatus:   n.Status,
			FromAttempts: n.Attempts,
			ToStatus:     domain.StatusFailed,
			Attempts:     attempts,
			LastError:    sendErr.Error(),
		})
		if !w.persisted(ctx, d, err, log) {
			return
		}

		w.ack(ctx, d, log)
		metrics.RecordTerminal(domain.StatusFailed.String(), n.Type.String(), time.Since(n.CreatedAt))
		log.Error("notification failed permanently", zap.Int("attempts", attempts), zap.Error(sendErr))
		w.announce(ctx, n, domain.StatusFailed, sendErr.Error(), log)
		return
	}

	err := w.store.UpdateStatus(ctx, domain.StatusUpdate{
		ID:           n.ID,
		FromStatus:   n.Status,
		FromAttempts: n.Attempts,
		ToStatus:     domain.StatusRetrying,
		Attempts:     attempts,
		LastError:    sendErr.Error(),
	})
	if !w.persisted(ctx, d, err, log) {
		return
	}

	next, err := w.queue.Requeue(ctx, d)
	if err != nil {
		// the record is retrying with no queued item; reconciliation republishes it
		log.Error("failed to requeue work item", zap.Error(err))
		w.ack(ctx, d, log)
		return
	}
	if err := w.store.MarkEnqueued(ctx, n.ID, attempts); err != nil {
		log.Warn("failed to mark notification enqueued", zap.Error(err))
	}

	metrics.RecordRetry(n.Type.String())
	log.Info("notification requeued for retry",
		zap.Int("attempts", attempts),
		zap.String("next_work_item_id", next.ID),
		zap.Int("next_retry_count", next.RetryCount),
	)
}

// announce reports a terminal transition. Failures are logged only; the
// store stays the source of truth.
func (w *Worker) announce(ctx context.Context, n *domain.Notification, status domain.Status, lastError string, log *zap.Logger) {
	if w.notifier == nil {
		return
	}
	out := *n
	out.Status = status
	out.Attempts = n.Attempts + 1
	if lastError != "" {
		out.LastError = lastError
	}
	if err := w.notifier.NotifyOutcome(ctx, &out); err != nil {
		log.Warn("failed to publish outcome event", zap.Error(err))
	}
}

// persisted reports whether a status update was applied. A lost race acks
// the item; any other store error releases it for redelivery.
func (w *Worker) persisted(ctx context.Context, d *queue.Delivery, err error, log *zap.Logger) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		log.Warn("notification changed concurrently, discarding work item", zap.Error(err))
		w.discard(ctx, d, "conflict", log)
	default:
		log.Error("failed to update notification status", zap.Error(err))
		w.release(ctx, d, log)
	}
	return false
}

func (w *Worker) discard(ctx context.Context, d *queue.Delivery, reason string, log *zap.Logger) {
	metrics.RecordDiscard(reason)
	w.ack(ctx, d, log)
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery, log *zap.Logger) {
	if err := w.queue.Ack(ctx, d); err != nil {
		log.Error("failed to ack work item", zap.Error(err))
	}
}

func (w *Worker) release(ctx context.Context, d *queue.Delivery, log *zap.Logger) {
	if err := w.queue.Release(context.WithoutCancel(ctx), d); err != nil {
		log.Error("failed to release work item", zap.Error(err))
	}
}

func (w *Worker) pause(ctx context.Context) {
	t := time.NewTimer(w.cfg.ErrorBackoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
