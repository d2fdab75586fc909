package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/timmy/phonefarm/internal/domain"
	"github.com/timmy/phonefarm/internal/logger"
	"golang.org/x/sync/errgroup"
)

const batchComponent = "parallel-batch-processor"

// stampParallelism caps concurrent account writes while stamping a batch.
const stampParallelism = 10

var (
	ErrEmptyBatch       = errors.New("batch has no jobs")
	ErrInvalidJob       = errors.New("job requires device_session_id and account_id")
	ErrDuplicateAccount = errors.New("account appears more than once in batch")
)

// Provisioner runs one job to a terminal result.
type Provisioner interface {
	Provision(ctx context.Context, job domain.Job) domain.JobResult
}

// BatchDeps are the stores and sinks of BatchService. Progress, Archive and
// Events may be nil.
type BatchDeps struct {
	Accounts AccountStore
	Audit    AuditLog
	Progress ProgressSink
	Archive  ReportArchiver
	Events   EventPublisher
}

// BatchService assigns a batch identity to a set of jobs, runs them with a
// concurrency cap and records one summary for the whole batch.
type BatchService struct {
	provisioner   Provisioner
	accounts      AccountStore
	audit         AuditLog
	progress      ProgressSink
	archive       ReportArchiver
	events        EventPublisher
	maxConcurrent int
	now           func() time.Time
}

// NewBatchService creates a new batch coordinator.
// Parameters:
//   - provisioner: the per-job pipeline.
//   - deps: account store, audit log and optional progress and report sinks.
//   - maxConcurrent: cap on jobs in flight; values below 1 use 5.
//
// Returns:
//   - *BatchService: coordinator ready to process batches.
func NewBatchService(provisioner Provisioner, deps BatchDeps, maxConcurrent int) *BatchService {
	if maxConcurrent < 1 {
		maxConcurrent = 5
	}
	return &BatchService{
		provisioner:   provisioner,
		accounts:      deps.Accounts,
		audit:         deps.Audit,
		progress:      deps.Progress,
		archive:       deps.Archive,
		events:        deps.Events,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// MaxConcurrent returns the configured concurrency cap.
func (s *BatchService) MaxConcurrent() int {
	return s.maxConcurrent
}

// ProcessBatch runs every request to completion and returns the summary.
// Individual job failures are reported in the summary, never as an error.
// The error is non-nil only when the batch could not be stamped (summary is
// nil) or when the summary record could not be written (summary is still
// complete).
func (s *BatchService) ProcessBatch(ctx context.Context, reqs []domain.JobRequest) (*domain.BatchSummary, error) {
	if err := validateRequests(reqs); err != nil {
		return nil, err
	}

	batchID, err := NewBatchID(s.now())
	if err != nil {
		return nil, err
	}
	ctx = logger.SetBatchID(ctx, batchID)
	log := logger.FromContext(ctx)

	jobs := make([]domain.Job, len(reqs))
	for i, r := range reqs {
		jobs[i] = domain.Job{
			DeviceSessionID: r.DeviceSessionID,
			AccountID:       r.AccountID,
			DisplayName:     r.DisplayName,
			BatchID:         batchID,
			Index:           i,
			Total:           len(reqs),
		}
	}

	log.WithFields(logger.Fields{
		logger.FieldCount: len(jobs),
		"max_concurrent":  s.maxConcurrent,
	}).Info("Starting batch")

	if err := s.stamp(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to stamp batch %s: %w", batchID, err)
	}

	outcomes := RunAll(ctx, jobs, func(ctx context.Context, job domain.Job) (domain.JobResult, error) {
		return s.provisioner.Provision(ctx, job), nil
	}, s.maxConcurrent)

	results := make([]domain.JobResult, len(jobs))
	for i, o := range outcomes {
		if o.Err == nil {
			results[i] = o.Value
			continue
		}
		results[i] = domain.JobResult{
			DeviceSessionID: jobs[i].DeviceSessionID,
			AccountID:       jobs[i].AccountID,
			Success:         false,
			Error:           o.Err.Error(),
		}
		s.failJob(ctx, jobs[i], o.Err.Error())
	}

	summary := domain.NewBatchSummary(batchID, results)
	summary.DurationSeconds = s.elapsedSince(batchID)

	recordErr := s.recordSummary(ctx, summary)
	s.publishReport(ctx, summary)

	if recordErr != nil {
		return summary, fmt.Errorf("failed to record batch summary: %w", recordErr)
	}
	return summary, nil
}

func validateRequests(reqs []domain.JobRequest) error {
	if len(reqs) == 0 {
		return ErrEmptyBatch
	}
	seen := make(map[string]struct{}, len(reqs))
	for i, r := range reqs {
		if r.AccountID == "" || r.DeviceSessionID == "" {
			return fmt.Errorf("job %d: %w", i, ErrInvalidJob)
		}
		if _, dup := seen[r.AccountID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateAccount, r.AccountID)
		}
		seen[r.AccountID] = struct{}{}
	}
	return nil
}

// stamp marks every account as queued in this batch before any job runs. Every
// write is attempted. If one fails, the accounts that were stamped are
// finished as failed.
func (s *BatchService) stamp(ctx context.Context, jobs []domain.Job) error {
	queuedAt := s.now()
	stamped := make([]bool, len(jobs))

	var g errgroup.Group
	g.SetLimit(stampParallelism)
	for i, job := range jobs {
		g.Go(func() error {
			err := s.accounts.StampBatch(ctx, job.AccountID, domain.BatchStamp{
				BatchID:     job.BatchID,
				Index:       job.Index + 1,
				Total:       job.Total,
				DisplayName: job.DisplayName,
				PhoneID:     job.DeviceSessionID,
				QueuedAt:    queuedAt,
			})
			if err != nil {
				return fmt.Errorf("account %s: %w", job.AccountID, err)
			}
			stamped[i] = true
			publishProgress(ctx, s.progress, job, stageQueued, domain.BatchStatusQueued, "", queuedAt)
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		reason := "batch aborted: " + err.Error()
		for i, ok := range stamped {
			if ok {
				s.failJob(ctx, jobs[i], reason)
			}
		}
	}
	return err
}

// failJob finishes a job that never produced a result of its own and mirrors
// the account's stored step and progress to the cache.
func (s *BatchService) failJob(ctx context.Context, job domain.Job, reason string) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx).WithField(logger.FieldAccountID, job.AccountID)

	if err := s.accounts.FinishBatchJob(ctx, job.AccountID, domain.BatchStatusFailed, reason); err != nil {
		log.WithError(err).Error("Failed to record job failure")
	}
	if s.progress == nil {
		return
	}

	stage := stageQueued
	if state, err := s.accounts.Get(ctx, job.AccountID); err == nil {
		stage = domain.StageUpdate{Label: state.CurrentSetupStep, Progress: state.SetupProgress}
	} else {
		log.WithError(err).Debug("Failed to read account for progress snapshot")
	}
	publishProgress(ctx, s.progress, job, failedAt(stage), domain.BatchStatusFailed, reason, s.now())
}

func (s *BatchService) elapsedSince(batchID string) int {
	started, err := ParseBatchStart(batchID)
	if err != nil {
		return 0
	}
	return int(math.Round(s.now().Sub(started).Seconds()))
}

func (s *BatchService) recordSummary(ctx context.Context, summary *domain.BatchSummary) error {
	logger.With(logger.Fields{
		"total_requested": summary.TotalRequested,
		"successful":      summary.Successful,
		"failed":          summary.Failed,
	}).WithDuration(time.Duration(summary.DurationSeconds) * time.Second).
		Info(ctx, "Batch processing completed")

	return s.audit.Insert(context.WithoutCancel(ctx), domain.LogLevelInfo, batchComponent, "Batch processing completed", domain.JSONMap{
		"batch_id":         summary.BatchID,
		"total_requested":  summary.TotalRequested,
		"successful":       summary.Successful,
		"failed":           summary.Failed,
		"duration_seconds": summary.DurationSeconds,
	})
}

// publishReport sends the summary to the optional archive and event sinks.
func (s *BatchService) publishReport(ctx context.Context, summary *domain.BatchSummary) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	if s.archive != nil {
		if url, err := s.archive.Save(ctx, summary); err != nil {
			log.WithError(err).Warn("Failed to archive batch report")
		} else {
			log.WithField("report_url", url).Info("Batch report archived")
		}
	}

	if s.events != nil {
		if err := s.events.PublishBatchCompleted(ctx, summary); err != nil {
			log.WithError(err).Warn("Failed to publish batch completed event")
		}
	}
}
