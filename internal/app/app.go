// Package app builds the provisioning object graph shared by the API server
// and the batch command.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/phonefarm/internal/config"
	"github.com/timmy/phonefarm/internal/daisysms"
	"github.com/timmy/phonefarm/internal/events"
	"github.com/timmy/phonefarm/internal/geelark"
	"github.com/timmy/phonefarm/internal/logger"
	"github.com/timmy/phonefarm/internal/progress"
	"github.com/timmy/phonefarm/internal/repository"
	"github.com/timmy/phonefarm/internal/service"
	"github.com/timmy/phonefarm/internal/storage"
	"gorm.io/gorm"
)

// App holds every long-lived component. Optional sinks are nil when disabled.
type App struct {
	DB       *gorm.DB
	Accounts *repository.AccountRepository

	Progress  *progress.Cache
	Reports   *storage.ReportArchive
	Publisher *events.Publisher

	Monitors  *service.MonitorPool
	Provision *service.ProvisionService
	Batches   *service.BatchService
	Cleanup   *service.CleanupService

	redis *redis.Client
}

// New wires the application from configuration. Optional backends that are
// enabled but unreachable fail startup.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{
		DB:       db,
		Accounts: repository.NewAccountRepository(db),
		Monitors: service.NewMonitorPool(),
	}
	tasks := repository.NewTaskRepository(db)
	rentals := repository.NewRentalRepository(db)
	audit := repository.NewLogRepository(db)

	cloud := geelark.NewClient(&cfg.GeeLark)
	waiter := geelark.NewWaiter(cloud, cfg.Batch.ReadyAttempts, cfg.Batch.PollInterval, cfg.Batch.ReadyStabilization)
	sms := daisysms.NewClient(&cfg.DaisySMS)

	var progressSink service.ProgressSink
	if cfg.Redis.Enabled {
		a.redis, err = progress.NewClient(ctx, &cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Progress = progress.NewCache(a.redis, cfg.Redis.TTL)
		progressSink = a.Progress
		logger.CtxInfo(ctx, "Progress cache enabled: addr=%s", cfg.Redis.Addr)
	}

	var archive service.ReportArchiver
	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(ctx, &cfg.Storage)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.Reports = storage.NewReportArchive(store, cfg.Storage.Prefix)
		archive = a.Reports
		logger.CtxInfo(ctx, "Report archive enabled: bucket=%s", cfg.Storage.Bucket)
	}

	var publisher service.EventPublisher
	if cfg.RabbitMQ.Enabled {
		a.Publisher, err = events.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey)
		if err != nil {
			a.Close()
			return nil, err
		}
		publisher = a.Publisher
		logger.CtxInfo(ctx, "Batch events enabled: exchange=%s", cfg.RabbitMQ.Exchange)
	}

	monitor := service.NewMonitorService(cloud, a.Accounts, tasks, audit, &cfg.Monitor)

	a.Provision = service.NewProvisionService(service.ProvisionDeps{
		Cloud:    cloud,
		Waiter:   waiter,
		Rental:   sms,
		Accounts: a.Accounts,
		Tasks:    tasks,
		Rentals:  rentals,
		Progress: progressSink,
		Watcher:  monitor,
		Monitors: a.Monitors,
	}, service.NewProvisionConfig(cfg))

	a.Batches = service.NewBatchService(a.Provision, service.BatchDeps{
		Accounts: a.Accounts,
		Audit:    audit,
		Progress: progressSink,
		Archive:  archive,
		Events:   publisher,
	}, cfg.Batch.MaxConcurrent)

	a.Cleanup = service.NewCleanupService(cloud, a.Accounts, rentals, sms, audit, &cfg.Cleanup)

	return a, nil
}

// Ping checks the database connection.
func (a *App) Ping(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// PingRedis checks the progress cache, when enabled.
func (a *App) PingRedis(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Ping(ctx).Err()
}

// Close releases broker, cache and database connections.
func (a *App) Close() {
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			logger.Warn("Failed to close event publisher: %v", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn("Failed to close redis client: %v", err)
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
