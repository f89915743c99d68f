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

	"github.com/lalithlochan/courier/internal/app"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.QueueDriver == "memory" {
		return fmt.Errorf("invalid QUEUE_DRIVER: the standalone worker cannot share a memory queue")
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier worker",
		zap.String("env", cfg.Env),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("delivery_timeout", cfg.DeliveryTimeout),
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

	sender, err := app.BuildSender(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	dispatcher, err := app.NewDispatcher(ctx, cfg.WorkerConcurrency, cfg, store, q, sender, redisClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	dispatcher.Start(workerCtx)

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerMetricsPort),
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
		serverErrors <- metricsSrv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	// In-flight items finish on a detached context.
	workerCancel()
	if err := dispatcher.Stop(); err != nil {
		logger.Warn("reconciler stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("worker stopped")
	return nil
}
