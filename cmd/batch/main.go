package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/phonefarm/internal/app"
	"github.com/timmy/phonefarm/internal/config"
	"github.com/timmy/phonefarm/internal/domain"
	"github.com/timmy/phonefarm/internal/logger"
)

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "phonefarm-batch",
	})
	logger.SetDefaultLogger(appLogger)

	configPath := flag.String("config", "", "Path to config file")
	jobsFile := flag.String("file", "", "JSON file with the jobs to provision (array or {\"jobs\": [...]})")
	concurrency := flag.Int("concurrency", 0, "Override batch.max_concurrent")
	cleanup := flag.Bool("cleanup", false, "Time out stuck accounts and cancel stale rentals instead of running a batch")
	batchID := flag.String("batch", "", "Limit -cleanup to one batch id")
	waitMonitors := flag.Bool("wait-monitors", true, "Keep running until every completion monitor has stopped its phone")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *concurrency > 0 {
		cfg.Batch.MaxConcurrent = *concurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Warn("Received interrupt signal, cancelling...")
		cancel()
	}()

	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	if *cleanup {
		report, err := a.Cleanup.Run(ctx, *batchID)
		if err != nil {
			appLogger.WithError(err).Fatal("Cleanup failed")
		}
		printJSON(report)
		return
	}

	if *jobsFile == "" {
		appLogger.Fatal("-file is required unless -cleanup is set")
	}
	reqs, err := loadJobs(*jobsFile)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to read jobs")
	}

	appLogger.WithFields(logger.Fields{
		"jobs":           len(reqs),
		"max_concurrent": a.Batches.MaxConcurrent(),
	}).Info("Starting batch")

	summary, err := a.Batches.ProcessBatch(ctx, reqs)
	if summary != nil {
		printJSON(summary)
	}
	if err != nil {
		appLogger.WithError(err).Error("Batch finished with error")
	}

	if *waitMonitors && a.Monitors.Active() > 0 {
		appLogger.WithField("active_monitors", a.Monitors.Active()).Info("Waiting for completion monitors")
		if err := a.Monitors.Wait(ctx); err != nil {
			a.Monitors.Stop()
		}
	} else {
		a.Monitors.Stop()
	}

	if summary == nil || summary.Failed > 0 {
		a.Close()
		os.Exit(1)
	}
}

func loadJobs(path string) ([]domain.JobRequest, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var reqs []domain.JobRequest
	if err := json.Unmarshal(body, &reqs); err == nil {
		return reqs, nil
	}

	var wrapped struct {
		Jobs []domain.JobRequest `json:"jobs"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return wrapped.Jobs, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
