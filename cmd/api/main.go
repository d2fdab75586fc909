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

	"github.com/timmy/phonefarm/internal/api"
	"github.com/timmy/phonefarm/internal/api/handler"
	"github.com/timmy/phonefarm/internal/app"
	"github.com/timmy/phonefarm/internal/config"
	"github.com/timmy/phonefarm/internal/logger"
)

func main() {
	appLogger := logger.NewFromEnv(nil)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	checks := map[string]handler.HealthCheck{
		"database": a.Ping,
	}
	if a.Progress != nil {
		checks["redis"] = a.PingRedis
	}

	// interface fields must stay nil when the archive is disabled
	var reports handler.ReportLoader
	if a.Reports != nil {
		reports = a.Reports
	}
	var cache handler.ProgressReader
	if a.Progress != nil {
		cache = a.Progress
	}

	router := api.SetupRouter(api.Handlers{
		Health:  handler.NewHealthHandler(checks),
		Batch:   handler.NewBatchHandler(a.Batches, reports),
		Account: handler.NewAccountHandler(cache, a.Accounts),
		Admin:   handler.NewAdminHandler(a.Cleanup, a.Monitors),
	}, &cfg.Server)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":           cfg.Server.Port,
			"mode":           cfg.Server.Mode,
			"max_concurrent": a.Batches.MaxConcurrent(),
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	// give monitors a moment to finish, then cancel the rest
	monitorCtx, cancelMonitors := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelMonitors()
	if err := a.Monitors.Wait(monitorCtx); err != nil {
		appLogger.WithField("active_monitors", a.Monitors.Active()).Warn("Cancelling running monitors")
		a.Monitors.Stop()
	}

	appLogger.Info("Server exited")
}
