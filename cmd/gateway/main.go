package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/app"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("queue", cfg.QueueDriver),
	)

	ctx := context.Background()

	store, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient, err := app.OpenRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	q, err := app.OpenQueue(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	notifications := service.NewNotificationService(store, q, logger)
	handler := api.NewHandler(logger, notifications).
		WithHealthCheck("database", store.Health)

	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		handler.
			WithIdempotency(redis.NewIdempotencyService(redisClient, logger, cfg.IdempotencyTTL)).
			WithInbox(redis.NewInbox(redisClient, cfg.InboxSize)).
			WithHealthCheck("redis", redisClient.Ping)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	// Embedded dispatch for single-process deployments
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var dispatcher *app.Dispatcher
	if cfg.EmbeddedWorkers > 0 {
		sender, err := app.BuildSender(ctx, cfg, redisClient, logger)
		if err != nil {
			return err
		}
		dispatcher, err = app.NewDispatcher(ctx, cfg.EmbeddedWorkers, cfg, store, q, sender, redisClient, logger)
		if err != nil {
			return fmt.Errorf("failed to create dispatcher: %w", err)
		}
		dispatcher.Start(workerCtx)
		logger.Info("embedded workers started", zap.Int("workers", cfg.EmbeddedWorkers))
	} else if cfg.QueueDriver == "memory" {
		logger.Warn("memory queue without embedded workers, notifications will not be delivered")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, api.RouterConfig{RateLimiter: rateLimiter, RequestTimeout: 30 * time.Second}, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
	}

	if dispatcher != nil {
		workerCancel()
		if err := dispatcher.Stop(); err != nil {
			logger.Warn("dispatcher stopped with error", zap.Error(err))
		}
		logger.Info("embedded workers stopped")
	}
	return nil
}
