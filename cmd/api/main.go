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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("bootstrap", zap.Error(err))
	}
	defer app.Close()
	telemetry.Register()

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(cfg, app.Service, zl).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	zl.Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("store", cfg.StoreDriver))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	zl.Info("api stopped")
}
