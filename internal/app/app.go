// Package app assembles the store, queue and delivery senders from
// configuration for the gateway and worker binaries.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/reconcile"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/worker"
)

// OpenStore connects the notification store selected by STORE_DRIVER. The
// returned func releases it.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (db.Store, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		store, err := db.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db.NewRepository(database, logger), database.Close, nil
	}
}

// OpenRedis connects to Redis. It returns nil when Redis is disabled or
// unreachable and the queue does not depend on it.
func OpenRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	if !cfg.RedisEnabled {
		return nil, nil
	}

	client, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		if cfg.QueueDriver == "redis" {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Warn("redis unavailable, idempotency, rate limiting and inbox disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		return nil, nil
	}
	return client, nil
}

// OpenQueue builds the work queue selected by QUEUE_DRIVER. rc is required
// for the redis driver.
func OpenQueue(ctx context.Context, cfg *config.Config, rc *redis.Client, logger *zap.Logger) (queue.Queue, error) {
	switch cfg.QueueDriver {
	case "memory":
		return queue.NewMemory(0, cfg.PollTimeout), nil
	case "sqs":
		q, err := sqs.NewQueue(ctx, sqs.Config{
			Region:            cfg.SQSRegion,
			QueueURL:          cfg.SQSQueueURL,
			Endpoint:          cfg.SQSEndpoint,
			VisibilityTimeout: cfg.VisibilityTimeout,
			WaitTime:          cfg.PollTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs queue: %w", err)
		}
		return q, nil
	default:
		if rc == nil {
			return nil, fmt.Errorf("redis queue requires a redis connection")
		}
		return redis.NewQueue(rc, redis.QueueConfig{
			Name:              cfg.QueueName,
			VisibilityTimeout: cfg.VisibilityTimeout,
			PollTimeout:       cfg.PollTimeout,
		}, logger), nil
	}
}

// BuildSender binds every channel to its configured provider. External
// providers are wrapped in a circuit breaker each.
func BuildSender(ctx context.Context, cfg *config.Config, rc *redis.Client, logger *zap.Logger) (*worker.Registry, error) {
	var senders []worker.Sender

	protect := func(name string, s circuitbreaker.Sender) worker.Sender {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:            name,
			MaxFailures:     cfg.BreakerMaxFailures,
			RecoveryTimeout: cfg.BreakerRecoveryTime,
			ProbeLimit:      1,
		}, logger)
		return circuitbreaker.NewProtectedSender(s, breaker, logger)
	}

	switch cfg.EmailProvider {
	case "ses":
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			Subject:   cfg.EmailSubject,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		senders = append(senders, protect("ses", ses))
	case "smtp":
		senders = append(senders, protect("smtp", worker.NewSMTPSender(worker.SMTPConfig{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			From:       cfg.SMTPFrom,
			Encryption: cfg.SMTPEncryption,
			Subject:    cfg.EmailSubject,
		}, logger)))
	}

	if cfg.SMSProvider == "sns" {
		sns, err := worker.NewSNSSender(ctx, worker.SNSConfig{
			Region:   cfg.SNSRegion,
			SenderID: cfg.SMSSenderID,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS sms sender: %w", err)
		}
		senders = append(senders, protect("sns", sns))
	}

	if rc != nil {
		senders = append(senders, worker.NewInAppSender(redis.NewInbox(rc, cfg.InboxSize), logger))
	}

	// Anything left unbound is logged instead of delivered.
	senders = append(senders, worker.NewLogSender(logger))

	registry := worker.NewRegistry(logger, senders...)
	logger.Info("delivery channels configured",
		zap.String("email", cfg.EmailProvider),
		zap.String("sms", cfg.SMSProvider),
		zap.Bool("inbox", rc != nil),
	)
	return registry, nil
}

// Dispatcher is a worker pool plus the reconciler that keeps its queue fed.
type Dispatcher struct {
	Pool       *worker.Pool
	Reconciler *reconcile.Reconciler
}

// NewDispatcher builds size workers and a reconciler. rc, when set, guards
// reconcile passes with a lock.
func NewDispatcher(ctx context.Context, size int, cfg *config.Config, store db.Store, q queue.Queue, sender worker.Sender, rc *redis.Client, logger *zap.Logger) (*Dispatcher, error) {
	pool := worker.NewPool(size, q, store, sender, worker.NewChannelLimiters(cfg.ChannelRateLimit), worker.Config{
		MaxRetries:      cfg.MaxRetries,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, logger)

	if cfg.OutcomeTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, sns.Config{
			Region:   cfg.SNSRegion,
			TopicARN: cfg.OutcomeTopicARN,
			Endpoint: cfg.SNSEndpoint,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create outcome publisher: %w", err)
		}
		pool.WithNotifier(publisher)
	}

	var locker reconcile.Locker
	if rc != nil {
		locker = rc
	}
	rec, err := reconcile.New(store, q, locker, reconcile.Config{
		Interval: cfg.ReconcileInterval,
		Grace:    cfg.ReconcileGrace,
		Batch:    cfg.ReconcileBatch,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := rec.Prepare(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare reconciler: %w", err)
	}
	return &Dispatcher{Pool: pool, Reconciler: rec}, nil
}

// Start runs the workers until ctx is cancelled and schedules reconcile
// passes.
func (d *Dispatcher) Start(ctx context.Context) {
	d.Pool.Start(ctx)
	d.Reconciler.Start()
}

// Stop waits for in-flight items and the reconciler. ctx must already be
// cancelled for the workers to exit.
func (d *Dispatcher) Stop() error {
	d.Pool.Wait()
	return d.Reconciler.Stop()
}
