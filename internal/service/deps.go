package service

import (
	"context"
	"time"

	"github.com/timmy/phonefarm/internal/daisysms"
	"github.com/timmy/phonefarm/internal/domain"
	"github.com/timmy/phonefarm/internal/geelark"
	"github.com/timmy/phonefarm/internal/progress"
)

// DeviceCloud is the subset of the GeeLark client the pipeline drives.
type DeviceCloud interface {
	StartPhones(ctx context.Context, ids []string) (*geelark.PhoneBatchResult, error)
	StopPhones(ctx context.Context, ids []string) (*geelark.PhoneBatchResult, error)
	GetPhoneStatus(ctx context.Context, ids []string) (*geelark.PhoneBatchResult, error)
	IsAppInstalled(ctx context.Context, phoneID, packageName string) (bool, error)
	CreateRPATask(ctx context.Context, task geelark.RPATask) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (*geelark.Task, error)
	QueryTasks(ctx context.Context, ids []string) ([]geelark.Task, error)
}

// ReadinessWaiter blocks until a started phone is usable.
type ReadinessWaiter interface {
	WaitUntilReady(ctx context.Context, phoneID string) error
}

// NumberRental rents and releases SMS numbers.
type NumberRental interface {
	RentNumber(ctx context.Context, longTerm bool) (*daisysms.Rental, error)
	SetStatus(ctx context.Context, rentalID, status string) error
}

// AccountStore persists per-account provisioning state.
type AccountStore interface {
	StampBatch(ctx context.Context, accountID string, stamp domain.BatchStamp) error
	UpdateStage(ctx context.Context, accountID string, u domain.StageUpdate) error
	MarkPhoneStarted(ctx context.Context, accountID string, at time.Time) error
	SaveLinkage(ctx context.Context, accountID string, link domain.PhoneLinkage, u domain.StageUpdate) error
	FinishBatchJob(ctx context.Context, accountID string, status domain.BatchStatus, errMsg string) error
	Get(ctx context.Context, accountID string) (*domain.AccountState, error)
	ListStuck(ctx context.Context, batchID string, before time.Time) ([]domain.AccountState, error)
}

// TaskStore persists remote automation task records.
type TaskStore interface {
	Create(ctx context.Context, task *domain.AutomationTask) error
	ListActiveRemoteIDs(ctx context.Context, accountID string) ([]string, error)
	UpdateStatus(ctx context.Context, remoteTaskID string, status domain.TaskStatus) error
}

// RentalStore persists SMS rentals.
type RentalStore interface {
	Create(ctx context.Context, rental *domain.SMSRental) error
	ListWaitingBefore(ctx context.Context, before time.Time) ([]domain.SMSRental, error)
	MarkCancelled(ctx context.Context, rentalID, reason string) error
}

// AuditLog writes operator-facing rows to the logs table.
type AuditLog interface {
	Insert(ctx context.Context, level domain.LogLevel, component, message string, meta domain.JSONMap) error
}

// ProgressSink mirrors account progress to a fast cache. Optional.
type ProgressSink interface {
	Publish(ctx context.Context, snap progress.Snapshot) error
}

// ReportArchiver stores finished batch summaries. Optional.
type ReportArchiver interface {
	Save(ctx context.Context, summary *domain.BatchSummary) (string, error)
}

// EventPublisher announces finished batches. Optional.
type EventPublisher interface {
	PublishBatchCompleted(ctx context.Context, summary *domain.BatchSummary) error
}
