// Package reconcile republishes notifications that are waiting for a
// delivery attempt but have no work item on the queue.
//
// A record ends up like that when the first publish failed after it was
// stored, or when a worker stopped between writing retrying and requeueing.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
)

const lockKey = "reconcile"

type Store interface {
	ListUnqueued(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error)
	MarkEnqueued(ctx context.Context, id string, attempts int) error
	ResetEnqueued(ctx context.Context) (int64, error)
}

// Locker serializes runs across processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (*redis.Lock, error)
}

type Config struct {
	Interval time.Duration
	// Grace is how long a record must be untouched before it counts as
	// orphaned, so in-progress publishes are not duplicated.
	Grace time.Duration
	Batch int
}

// Result summarizes one run.
type Result struct {
	Republished int
	Recovered   int
	Skipped     bool // another process held the lock
}

type Reconciler struct {
	store  Store
	queue  queue.Queue
	locker Locker
	cfg    Config
	logger *zap.Logger
	cron   gocron.Scheduler
	now    func() time.Time
}

// New builds a reconciler. locker may be nil for single-process deployments.
func New(store Store, q queue.Queue, locker Locker, cfg Config, logger *zap.Logger) (*Reconciler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating gocron scheduler: %w", err)
	}

	r := &Reconciler{
		store:  store,
		queue:  q,
		locker: locker,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "reconciler")),
		cron:   cron,
		now:    time.Now,
	}

	_, err = cron.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(r.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduling reconcile job: %w", err)
	}
	return r, nil
}

// Prepare must run once before Start. On an ephemeral queue the previous
// process's items are gone, so every queued record becomes an orphan again.
func (r *Reconciler) Prepare(ctx context.Context) error {
	if _, ok := r.queue.(queue.Ephemeral); !ok {
		return nil
	}
	n, err := r.store.ResetEnqueued(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("cleared enqueued markers for ephemeral queue", zap.Int64("count", n))
	}
	return nil
}

// Start begins running every Interval.
func (r *Reconciler) Start() {
	r.cron.Start()
	r.logger.Info("reconciler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("grace", r.cfg.Grace),
	)
}

// Stop waits for a running pass to finish and stops the schedule.
func (r *Reconciler) Stop() error {
	return r.cron.Shutdown()
}

func (r *Reconciler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
	defer cancel()

	res, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.Error("reconcile pass failed", zap.Error(err))
		return
	}
	if res.Republished > 0 || res.Recovered > 0 {
		r.logger.Info("reconcile pass complete",
			zap.Int("republished", res.Republished),
			zap.Int("recovered", res.Recovered),
		)
	}
}

// RunOnce performs one reconcile pass.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	if r.locker != nil {
		lock, err := r.locker.TryLock(ctx, lockKey, r.cfg.Interval)
		if err != nil {
			return res, err
		}
		if lock == nil {
			r.logger.Debug("reconcile lock held elsewhere, skipping")
			res.Skipped = true
			return res, nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("failed to release reconcile lock", zap.Error(err))
			}
		}()
	}

	if rec, ok := r.queue.(queue.Recoverer); ok {
		n, err := rec.RecoverExpired(ctx)
		if err != nil {
			return res, fmt.Errorf("recover expired work items: %w", err)
		}
		res.Recovered = n
		metrics.RecordRecovered(n)
	}

	orphans, err := r.store.ListUnqueued(ctx, r.now().Add(-r.cfg.Grace), r.cfg.Batch)
	if err != nil {
		return res, fmt.Errorf("list unqueued notifications: %w", err)
	}

	for _, n := range orphans {
		if err := r.queue.Publish(ctx, queue.NewWorkItem(n)); err != nil {
			metrics.RecordReconciled(res.Republished)
			return res, fmt.Errorf("republish %s: %w", n.ID, err)
		}
		if err := r.store.MarkEnqueued(ctx, n.ID, n.Attempts); err != nil {
			r.logger.Warn("failed to mark notification enqueued",
				zap.String("notification_id", n.ID),
				zap.Error(err),
			)
		}
		res.Republished++
		r.logger.Info("republished orphaned notification",
			zap.String("notification_id", n.ID),
			zap.Stringer("status", n.Status),
			zap.Int("retry_count", n.Attempts),
		)
	}

	metrics.RecordReconciled(res.Republished)
	return res, nil
}
