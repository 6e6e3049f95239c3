package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"storefront-sync/internal/budget"
	"storefront-sync/internal/config"
	"storefront-sync/internal/queue"
	"storefront-sync/internal/store"
	"storefront-sync/internal/telemetry"
	"storefront-sync/internal/worker"
)

func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("worker-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.New(st, queue.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})
	ledger := budget.NewLedger(st)

	proc := worker.NewProcessor(cfg, q, ledger, workerID(), logger)
	proc.RegisterPrefix("publish_to_", worker.NewPublishHandler(cfg.PlatformEndpoints).Handle)
	proc.RegisterPrefix("webhook_", worker.NewWebhookApplyHandler(st, logger).Handle)

	imageHandler, err := worker.NewProductImageHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("image handler: %v", err)
	}
	proc.Register("prepare_product_images", imageHandler.Handle)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics listen: %v", err)
		}
	}()

	logger.Info("worker starting", "worker_id", workerID())
	proc.Run(ctx)
	logger.Info("worker stopped")
}
