package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/phonefarm/internal/config"
	"github.com/timmy/phonefarm/internal/domain"
	"github.com/timmy/phonefarm/internal/geelark"
	"github.com/timmy/phonefarm/internal/logger"
	"gorm.io/gorm"
)

const monitorComponent = "auto-stop-monitor"

// Watcher waits for an account's automation to finish and releases its phone.
type Watcher interface {
	Watch(ctx context.Context, accountID, phoneID string) error
}

// MonitorService stops a phone once its remote automation is done, or once
// the wall-clock bound is reached, so idle phones are not billed.
type MonitorService struct {
	cloud    DeviceCloud
	accounts AccountStore
	tasks    TaskStore
	audit    AuditLog

	maxWait    time.Duration
	interval   time.Duration
	setupGrace time.Duration
	sleep      Sleeper
	now        func() time.Time
}

func NewMonitorService(cloud DeviceCloud, accounts AccountStore, tasks TaskStore, audit AuditLog, cfg *config.MonitorConfig) *MonitorService {
	m := &MonitorService{
		cloud:      cloud,
		accounts:   accounts,
		tasks:      tasks,
		audit:      audit,
		maxWait:    30 * time.Minute,
		interval:   30 * time.Second,
		setupGrace: 5 * time.Minute,
		sleep:      SleepContext,
		now:        time.Now,
	}
	if cfg != nil {
		if cfg.MaxWait > 0 {
			m.maxWait = cfg.MaxWait
		}
		if cfg.PollInterval > 0 {
			m.interval = cfg.PollInterval
		}
		if cfg.SetupGrace >= 0 {
			m.setupGrace = cfg.SetupGrace
		}
	}
	return m
}

// SetClock replaces the time source and sleep. Used by tests.
func (m *MonitorService) SetClock(now func() time.Time, sleep Sleeper) {
	m.now = now
	m.sleep = sleep
}

type watchState int

const (
	watchPending watchState = iota
	watchTasksDone
	watchPhoneDown
)

// Watch polls until the account's tasks are no longer waiting or running and
// then stops the phone. A phone that is already shut down or expired ends the
// watch without a stop call. Reaching the bound stops the phone as well.
func (m *MonitorService) Watch(ctx context.Context, accountID, phoneID string) error {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldComponent: monitorComponent,
		logger.FieldAccountID: accountID,
		logger.FieldPhoneID:   phoneID,
	})
	log := logger.FromContext(ctx)
	start := m.now()
	deadline := start.Add(m.maxWait)

	log.Info("Starting completion monitor")

	for m.now().Before(deadline) {
		state, err := m.check(ctx, accountID, phoneID, m.now().Sub(start))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Warn("Account no longer exists, ending monitor")
				return err
			}
			log.WithError(err).Warn("Monitor check failed")
		}

		switch state {
		case watchPhoneDown:
			log.Info("Phone already shut down")
			return nil
		case watchTasksDone:
			return m.stop(ctx, accountID, phoneID, start, false)
		}

		if err := m.sleep(ctx, m.interval); err != nil {
			return err
		}
	}

	return m.stop(ctx, accountID, phoneID, start, true)
}

func (m *MonitorService) check(ctx context.Context, accountID, phoneID string, elapsed time.Duration) (watchState, error) {
	account, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return watchPending, err
	}

	active := account.Status.IsActiveSetup()
	if active && elapsed < m.setupGrace {
		return watchPending, nil
	}

	done, err := m.tasksDone(ctx, account, active)
	if err != nil {
		return watchPending, err
	}

	res, err := m.cloud.GetPhoneStatus(ctx, []string{phoneID})
	if err != nil {
		if done {
			return watchTasksDone, nil
		}
		return watchPending, err
	}
	if d, ok := res.Success(phoneID); ok && (d.Status == geelark.PhoneShutdown || d.Status == geelark.PhoneExpired) {
		return watchPhoneDown, nil
	}

	if done {
		return watchTasksDone, nil
	}
	return watchPending, nil
}

func (m *MonitorService) tasksDone(ctx context.Context, account *domain.AccountState, active bool) (bool, error) {
	var ids []string
	if account.LoginTaskID != "" {
		ids = append(ids, account.LoginTaskID)
	} else {
		var err error
		ids, err = m.tasks.ListActiveRemoteIDs(ctx, account.AccountID)
		if err != nil {
			return false, err
		}
	}

	if len(ids) == 0 {
		return !active, nil
	}

	tasks, err := m.cloud.QueryTasks(ctx, ids)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}

	for _, t := range tasks {
		if t.Status.Active() {
			return false, nil
		}
	}
	for _, t := range tasks {
		if err := m.tasks.UpdateStatus(ctx, t.ID, t.Status.Status()); err != nil {
			logger.FromContext(ctx).WithError(err).Debug("Failed to update task status")
		}
	}
	return true, nil
}

func (m *MonitorService) stop(ctx context.Context, accountID, phoneID string, start time.Time, timedOut bool) error {
	log := logger.FromContext(ctx)
	minutes := int(m.now().Sub(start).Minutes())
	meta := domain.JSONMap{
		"account_id": accountID,
		"profile_id": phoneID,
	}

	if timedOut {
		log.Warnf("Monitor timed out after %d minutes, stopping phone", minutes)
		meta["timeout_minutes"] = minutes
	} else {
		log.Infof("All tasks finished, stopping phone after %d minutes", minutes)
		meta["wait_time_minutes"] = minutes
	}

	if _, err := m.cloud.StopPhones(ctx, []string{phoneID}); err != nil {
		meta["error"] = err.Error()
		m.record(ctx, domain.LogLevelError, "Failed to stop phone after task completion", meta)
		return fmt.Errorf("failed to stop phone %s: %w", phoneID, err)
	}

	if timedOut {
		m.record(ctx, domain.LogLevelWarning, "Auto-stop timeout - phone stopped to bound cost", meta)
	} else {
		m.record(ctx, domain.LogLevelInfo, "Phone stopped after all tasks completed", meta)
	}
	return nil
}

func (m *MonitorService) record(ctx context.Context, level domain.LogLevel, message string, meta domain.JSONMap) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Insert(ctx, level, monitorComponent, message, meta); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to write monitor log record")
	}
}

// MonitorPool supervises detached monitor goroutines. A monitor's error or
// panic is logged and never reaches the job that launched it.
type MonitorPool struct {
	wg     sync.WaitGroup
	active atomic.Int64
	ctx    context.Context
	cancel context.CancelFunc
}

func NewMonitorPool() *MonitorPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &MonitorPool{ctx: ctx, cancel: cancel}
}

// Go runs fn in its own goroutine. fn keeps the values of ctx (logger fields)
// but not its cancellation; only Stop cancels it.
func (p *MonitorPool) Go(ctx context.Context, fn func(ctx context.Context) error) {
	p.wg.Add(1)
	p.active.Add(1)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unlink := context.AfterFunc(p.ctx, cancel)

	go func() {
		defer p.wg.Done()
		defer p.active.Add(-1)
		defer cancel()
		defer unlink()
		defer func() {
			if r := recover(); r != nil {
				logger.FromContext(runCtx).WithField("stack", string(debug.Stack())).Errorf("Monitor panic: %v", r)
			}
		}()

		if err := fn(runCtx); err != nil {
			logger.FromContext(runCtx).WithError(err).Warn("Monitor ended with error")
		}
	}()
}

// Active returns the number of running monitors.
func (p *MonitorPool) Active() int {
	return int(p.active.Load())
}

// Wait blocks until every monitor has returned or ctx is done.
func (p *MonitorPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels every running monitor.
func (p *MonitorPool) Stop() {
	p.cancel()
}
