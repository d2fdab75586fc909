package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/phonefarm/internal/config"
	"github.com/timmy/phonefarm/internal/daisysms"
	"github.com/timmy/phonefarm/internal/domain"
	"github.com/timmy/phonefarm/internal/geelark"
	"github.com/timmy/phonefarm/internal/logger"
	"github.com/timmy/phonefarm/internal/progress"
)

// Pipeline stages in execution order. Progress never decreases along this list.
var (
	stageQueued     = domain.StageUpdate{Status: domain.SetupStatusQueued, Label: "Queued", Progress: 0}
	stageStartPhone = domain.StageUpdate{Status: domain.SetupStatusStartingPhone, Label: "Start Phone", Progress: 20}
	stageInstallApp = domain.StageUpdate{Status: domain.SetupStatusInstallingApp, Label: "Install TikTok", Progress: 40}
	stageLoginTask  = domain.StageUpdate{Status: domain.SetupStatusRunningRemoteTask, Label: "Start TikTok Login", Progress: 60}
	stageTaskStart  = domain.StageUpdate{Status: domain.SetupStatusWaitingTaskStart, Label: "Waiting For Login Task", Progress: 60}
	stageRentNumber = domain.StageUpdate{Status: domain.SetupStatusRentingNumber, Label: "Rent Phone Number", Progress: 80}
	stageAwaitOTP   = domain.StageUpdate{Status: domain.SetupStatusPendingVerification, Label: "Waiting for OTP", Progress: 80}
)

// ProvisionConfig holds the per-job poll budgets and automation settings.
type ProvisionConfig struct {
	PollInterval      time.Duration
	InstallAttempts   int
	TaskStartAttempts int
	Rental            RetryPolicy
	LongTermRental    bool

	FlowID         string
	UsernamePrefix string
	UsernameLength int
	Password       string
	AppPackage     string
}

// NewProvisionConfig builds a ProvisionConfig from application config.
func NewProvisionConfig(cfg *config.Config) ProvisionConfig {
	return ProvisionConfig{
		PollInterval:      cfg.Batch.PollInterval,
		InstallAttempts:   cfg.Batch.InstallAttempts,
		TaskStartAttempts: cfg.Batch.TaskStartAttempts,
		Rental: RetryPolicy{
			MaxAttempts: cfg.Batch.RentalAttempts,
			BaseDelay:   cfg.Batch.RentalBaseDelay,
			MaxDelay:    cfg.Batch.RentalMaxDelay,
		},
		LongTermRental: cfg.DaisySMS.LongTermRental,
		FlowID:         cfg.Automation.LoginFlowID,
		UsernamePrefix: cfg.Automation.UsernamePrefix,
		UsernameLength: cfg.Automation.UsernameLength,
		Password:       cfg.Automation.Password,
		AppPackage:     cfg.Automation.AppPackage,
	}
}

// ProvisionDeps are the collaborators of ProvisionService. Progress may be nil.
type ProvisionDeps struct {
	Cloud    DeviceCloud
	Waiter   ReadinessWaiter
	Rental   NumberRental
	Accounts AccountStore
	Tasks    TaskStore
	Rentals  RentalStore
	Progress ProgressSink
	Watcher  Watcher
	Monitors *MonitorPool
}

// ProvisionService runs the per-phone setup pipeline.
type ProvisionService struct {
	cloud    DeviceCloud
	waiter   ReadinessWaiter
	rental   NumberRental
	accounts AccountStore
	tasks    TaskStore
	rentals  RentalStore
	progress ProgressSink
	watcher  Watcher
	monitors *MonitorPool

	cfg   ProvisionConfig
	sleep Sleeper
	now   func() time.Time
}

// NewProvisionService creates a new provisioning pipeline.
// Parameters:
//   - deps: external clients, stores and the monitor pool.
//   - cfg: poll budgets and automation settings; zero values use defaults.
//
// Returns:
//   - *ProvisionService: pipeline ready to run jobs.
func NewProvisionService(deps ProvisionDeps, cfg ProvisionConfig) *ProvisionService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.InstallAttempts <= 0 {
		cfg.InstallAttempts = 30
	}
	if cfg.TaskStartAttempts <= 0 {
		cfg.TaskStartAttempts = 150
	}
	if cfg.Rental.MaxAttempts <= 0 {
		cfg.Rental = DefaultRentalPolicy()
	}
	if cfg.AppPackage == "" {
		cfg.AppPackage = "com.zhiliaoapp.musically"
	}
	if deps.Monitors == nil {
		deps.Monitors = NewMonitorPool()
	}

	return &ProvisionService{
		cloud:    deps.Cloud,
		waiter:   deps.Waiter,
		rental:   deps.Rental,
		accounts: deps.Accounts,
		tasks:    deps.Tasks,
		rentals:  deps.Rentals,
		progress: deps.Progress,
		watcher:  deps.Watcher,
		monitors: deps.Monitors,
		cfg:      cfg,
		sleep:    SleepContext,
		now:      time.Now,
	}
}

// SetSleeper replaces the sleep used by every poll and backoff in the pipeline.
func (s *ProvisionService) SetSleeper(sleep Sleeper) {
	s.sleep = sleep
	s.cfg.Rental.Sleep = sleep
}

// Provision runs one job through every stage. It never returns an error: a
// hard stage failure is recorded on the account and reported in the result.
func (s *ProvisionService) Provision(ctx context.Context, job domain.Job) domain.JobResult {
	start := s.now()
	ctx = logger.SetJob(ctx, job.BatchID, job.AccountID, job.DeviceSessionID)
	log := logger.FromContext(ctx)
	log.Infof("Starting phone %d/%d", job.Index+1, job.Total)

	result := domain.JobResult{
		DeviceSessionID: job.DeviceSessionID,
		AccountID:       job.AccountID,
	}

	reached := stageQueued
	link, err := s.run(ctx, job, &reached)
	result.DurationSeconds = int(s.now().Sub(start).Seconds())

	// terminal writes must land even if the caller gave up
	finishCtx := context.WithoutCancel(ctx)

	if err != nil {
		result.Error = err.Error()
		if result.Error == "" {
			result.Error = "unknown error"
		}
		log.WithError(err).Errorf("Phone %d/%d failed", job.Index+1, job.Total)

		if werr := s.accounts.FinishBatchJob(finishCtx, job.AccountID, domain.BatchStatusFailed, result.Error); werr != nil {
			log.WithError(werr).Error("Failed to record job failure")
		}
		s.publish(finishCtx, job, failedAt(reached), domain.BatchStatusFailed, result.Error)
		return result
	}

	result.Success = true
	result.RentalID = link.RentalID
	result.PhoneNumber = link.PhoneNumber
	result.LoginTaskID = link.LoginTaskID

	if werr := s.accounts.FinishBatchJob(finishCtx, job.AccountID, domain.BatchStatusCompleted, ""); werr != nil {
		log.WithError(werr).Error("Failed to record job completion")
	}
	s.publish(finishCtx, job, stageAwaitOTP, domain.BatchStatusCompleted, "")

	s.launchMonitor(ctx, job)

	logger.With(logger.Fields{logger.FieldDurationMs: s.now().Sub(start).Milliseconds()}).
		Info(ctx, "Phone %d/%d setup completed", job.Index+1, job.Total)
	return result
}

// run executes the stages in order. reached is left at the last stage whose
// account write landed.
func (s *ProvisionService) run(ctx context.Context, job domain.Job, reached *domain.StageUpdate) (domain.PhoneLinkage, error) {
	var link domain.PhoneLinkage
	enter := func(stage domain.StageUpdate) error {
		if err := s.enterStage(ctx, job, stage); err != nil {
			return err
		}
		*reached = stage
		return nil
	}

	if err := enter(stageStartPhone); err != nil {
		return link, err
	}
	if err := s.startPhone(ctx, job); err != nil {
		return link, err
	}

	if err := s.waiter.WaitUntilReady(ctx, job.DeviceSessionID); err != nil {
		return link, err
	}

	if err := enter(stageInstallApp); err != nil {
		return link, err
	}
	if err := s.ensureAppInstalled(ctx, job); err != nil {
		return link, err
	}

	if err := enter(stageLoginTask); err != nil {
		return link, err
	}
	taskID, username, err := s.createLoginTask(ctx, job)
	if err != nil {
		return link, err
	}

	if err := enter(stageTaskStart); err != nil {
		return link, err
	}
	if err := s.waitForTaskStart(ctx, job, taskID); err != nil {
		return link, err
	}

	if err := enter(stageRentNumber); err != nil {
		return link, err
	}
	rental, err := s.rentNumber(ctx, job)
	if err != nil {
		return link, err
	}

	link = domain.PhoneLinkage{
		PhoneNumber: rental.PhoneNumber,
		RentalID:    rental.ID,
		LoginTaskID: taskID,
		Username:    username,
		BatchID:     job.BatchID,
	}
	if err := s.accounts.SaveLinkage(ctx, job.AccountID, link, stageAwaitOTP); err != nil {
		return link, fmt.Errorf("failed to save phone linkage: %w", err)
	}
	*reached = stageAwaitOTP
	s.publish(ctx, job, stageAwaitOTP, domain.BatchStatusProcessing, "")

	return link, nil
}

func (s *ProvisionService) enterStage(ctx context.Context, job domain.Job, stage domain.StageUpdate) error {
	if err := s.accounts.UpdateStage(ctx, job.AccountID, stage); err != nil {
		return fmt.Errorf("failed to record stage %s: %w", stage.Status, err)
	}
	s.publish(ctx, job, stage, domain.BatchStatusProcessing, "")
	logger.FromContext(logger.SetStage(ctx, string(stage.Status))).
		WithField("progress", stage.Progress).
		Info(stage.Label)
	return nil
}

func (s *ProvisionService) startPhone(ctx context.Context, job domain.Job) error {
	res, err := s.cloud.StartPhones(ctx, []string{job.DeviceSessionID})
	if err != nil {
		return fmt.Errorf("failed to start phone: %w", err)
	}
	if fail, ok := res.Failure(job.DeviceSessionID); ok {
		return fmt.Errorf("failed to start phone %s: %s (code: %d)", job.DeviceSessionID, fail.Msg, fail.Code)
	}

	if err := s.accounts.MarkPhoneStarted(ctx, job.AccountID, s.now()); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to record phone start time")
	}
	return nil
}

// ensureAppInstalled polls for the app but never fails the job when it is not
// confirmed. The login task created next may then run before the install
// finishes.
func (s *ProvisionService) ensureAppInstalled(ctx context.Context, job domain.Job) error {
	log := logger.FromContext(ctx)
	for attempt := 1; attempt <= s.cfg.InstallAttempts; attempt++ {
		installed, err := s.cloud.IsAppInstalled(ctx, job.DeviceSessionID, s.cfg.AppPackage)
		if err != nil {
			log.WithError(err).Debug("App install check failed")
		} else if installed {
			log.WithField(logger.FieldAttempt, attempt).Info("App install confirmed")
			return nil
		}
		if attempt < s.cfg.InstallAttempts {
			if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
				return err
			}
		}
	}

	log.Warnf("App install not confirmed after %d checks, continuing", s.cfg.InstallAttempts)
	return nil
}

func (s *ProvisionService) createLoginTask(ctx context.Context, job domain.Job) (string, string, error) {
	username, err := NewUsername(s.cfg.UsernamePrefix, s.cfg.UsernameLength)
	if err != nil {
		return "", "", err
	}

	now := s.now()
	taskID, err := s.cloud.CreateRPATask(ctx, geelark.RPATask{
		Name:       fmt.Sprintf("tiktok_phone_login_%d", now.UnixMilli()),
		Remark:     fmt.Sprintf("Parallel batch login for account %s", job.AccountID),
		ScheduleAt: now.Unix(),
		PhoneID:    job.DeviceSessionID,
		FlowID:     s.cfg.FlowID,
		Params: map[string]interface{}{
			"accountId": job.AccountID,
			"username":  username,
			"password":  s.cfg.Password,
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to create login task: %w", err)
	}

	err = s.tasks.Create(ctx, &domain.AutomationTask{
		Type:         "login",
		TaskType:     "sms_login",
		RemoteTaskID: taskID,
		AccountID:    job.AccountID,
		PhoneID:      job.DeviceSessionID,
		FlowID:       s.cfg.FlowID,
		Username:     username,
		BatchID:      job.BatchID,
		Status:       domain.TaskStatusPending,
		SetupStep:    stageLoginTask.Label,
		Progress:     stageLoginTask.Progress,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to record login task: %w", err)
	}

	logger.FromContext(ctx).WithField(logger.FieldTaskID, taskID).Info("Login task created")
	return taskID, username, nil
}

func (s *ProvisionService) waitForTaskStart(ctx context.Context, job domain.Job, taskID string) error {
	log := logger.FromContext(ctx).WithField(logger.FieldTaskID, taskID)
	for attempt := 1; attempt <= s.cfg.TaskStartAttempts; attempt++ {
		task, err := s.cloud.GetTaskStatus(ctx, taskID)
		if err != nil {
			log.WithError(err).Debug("Task status check failed")
		} else {
			switch task.Status {
			case geelark.TaskRunning, geelark.TaskCompleted:
				if uerr := s.tasks.UpdateStatus(ctx, taskID, task.Status.Status()); uerr != nil {
					log.WithError(uerr).Warn("Failed to update task status")
				}
				log.WithField(logger.FieldAttempt, attempt).Info("Login task started")
				return nil
			case geelark.TaskFailed:
				_ = s.tasks.UpdateStatus(ctx, taskID, domain.TaskStatusFailed)
				return fmt.Errorf("task failed to start: %s", task.FailDesc)
			case geelark.TaskCancelled:
				_ = s.tasks.UpdateStatus(ctx, taskID, domain.TaskStatusCancelled)
				return fmt.Errorf("task %s was cancelled before starting", taskID)
			}
		}

		if attempt < s.cfg.TaskStartAttempts {
			if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
				return err
			}
		}
	}

	timeout := time.Duration(s.cfg.TaskStartAttempts) * s.cfg.PollInterval
	return fmt.Errorf("task %s did not start within %d seconds", taskID, int(timeout.Seconds()))
}

func (s *ProvisionService) rentNumber(ctx context.Context, job domain.Job) (*daisysms.Rental, error) {
	rental, err := Retry(ctx, s.cfg.Rental, func(ctx context.Context) (*daisysms.Rental, error) {
		return s.rental.RentNumber(ctx, s.cfg.LongTermRental)
	})
	if err != nil {
		return nil, err
	}

	err = s.rentals.Create(ctx, &domain.SMSRental{
		RentalID:    rental.ID,
		PhoneNumber: rental.PhoneNumber,
		AccountID:   job.AccountID,
		Status:      domain.RentalStatusWaiting,
		ExpiresAt:   rental.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record rental %s: %w", rental.ID, err)
	}

	logger.FromContext(ctx).WithField("rental_id", rental.ID).Info("Phone number rented")
	return rental, nil
}

func (s *ProvisionService) launchMonitor(ctx context.Context, job domain.Job) {
	if s.watcher == nil {
		return
	}
	accountID, phoneID := job.AccountID, job.DeviceSessionID
	s.monitors.Go(ctx, func(ctx context.Context) error {
		return s.watcher.Watch(ctx, accountID, phoneID)
	})
}

func (s *ProvisionService) publish(ctx context.Context, job domain.Job, stage domain.StageUpdate, batchStatus domain.BatchStatus, errMsg string) {
	publishProgress(ctx, s.progress, job, stage, batchStatus, errMsg, s.now())
}

// failedAt keeps the step and progress of the stage the job stopped in.
func failedAt(stage domain.StageUpdate) domain.StageUpdate {
	stage.Status = domain.SetupStatusFailed
	return stage
}

// publishProgress mirrors one account snapshot to the cache. A nil sink is a no-op.
func publishProgress(ctx context.Context, sink ProgressSink, job domain.Job, stage domain.StageUpdate, batchStatus domain.BatchStatus, errMsg string, at time.Time) {
	if sink == nil {
		return
	}
	err := sink.Publish(ctx, progress.Snapshot{
		AccountID:   job.AccountID,
		BatchID:     job.BatchID,
		Status:      stage.Status,
		Step:        stage.Label,
		Progress:    stage.Progress,
		BatchStatus: batchStatus,
		Error:       errMsg,
		UpdatedAt:   at,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Debug("Failed to publish progress")
	}
}
