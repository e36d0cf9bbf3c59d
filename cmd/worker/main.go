package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"import-orchestrator/internal/api"
	"import-orchestrator/internal/bootstrap"
	"import-orchestrator/internal/config"
	"import-orchestrator/internal/logger"
	"import-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()
	zl, err := logger.New(cfg.LogLevel, cfg.Env == "dev")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	zl = zl.With(zap.String("instance", cfg.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("bootstrap", zap.Error(err))
	}
	defer app.Close()

	monitor := telemetry.NewMonitor(cfg.MemoryBudgetBytes, zl)
	go monitor.Run(ctx, 5*time.Second)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			zl.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	// Single-process mode, required with the in-memory store.
	if cfg.ServeAPI {
		srv := &http.Server{
			Addr:              ":" + cfg.HTTPPort,
			Handler:           api.New(cfg, app.Service, zl).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error("api listen", zap.Error(err))
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		zl.Info("api listening", zap.String("port", cfg.HTTPPort))
	}

	zl.Info("worker started",
		zap.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
		zap.Duration("lock_ttl", cfg.LockTTL),
		zap.Duration("poll_interval", cfg.DispatchPollInterval),
	)
	if err := app.Scheduler(monitor).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		zl.Error("scheduler stopped", zap.Error(err))
	}
	zl.Info("worker stopped")
}
