package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"storefront-sync/internal/api"
	"storefront-sync/internal/approval"
	"storefront-sync/internal/budget"
	"storefront-sync/internal/capability"
	"storefront-sync/internal/config"
	"storefront-sync/internal/publish"
	"storefront-sync/internal/queue"
	"storefront-sync/internal/ratelimit"
	"storefront-sync/internal/store"
	"storefront-sync/internal/webhook"
)

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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	q := queue.New(st, queue.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})
	ledger := budget.NewLedger(st)
	resolver := capability.NewResolver(st)
	gate := approval.NewGate(st)
	gate.RegisterApplier("setting", approval.NewSettingApplier(st))

	access := api.NewStaticAccess(cfg.APITokens)
	orchestrator := publish.NewOrchestrator(st, access, ledger, resolver, gate, q)
	orchestrator.SetBulkThreshold(cfg.BulkApprovalThreshold)

	intake := webhook.NewIntake(st, q)

	server := api.New(access, ledger, orchestrator, intake, gate, q, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
