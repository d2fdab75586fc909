package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/phonefarm/internal/daisysms"
	"github.com/timmy/phonefarm/internal/domain"
	"github.com/timmy/phonefarm/internal/geelark"
	"github.com/timmy/phonefarm/internal/progress"
	"gorm.io/gorm"
)

// fakeCloud is an in-memory DeviceCloud. Every phone starts and reports
// running, every task starts on the first poll unless overridden.
type fakeCloud struct {
	mu sync.Mutex

	startFailures map[string]geelark.PhoneDetail
	startErr      error
	installed     bool
	installErr    error
	taskStatus    func(taskID string, call int) (*geelark.Task, error)
	queryTasks    func(ids []string) ([]geelark.Task, error)
	phoneStatus   map[string]geelark.PhoneStatus

	started      []string
	stopped      []string
	created      []geelark.RPATask
	taskCalls    map[string]int
	installCalls int
	queryCalls   int
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		startFailures: map[string]geelark.PhoneDetail{},
		installed:     true,
		phoneStatus:   map[string]geelark.PhoneStatus{},
		taskCalls:     map[string]int{},
	}
}

func (f *fakeCloud) StartPhones(_ context.Context, ids []string) (*geelark.PhoneBatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	res := &geelark.PhoneBatchResult{TotalAmount: len(ids)}
	for _, id := range ids {
		if d, ok := f.startFailures[id]; ok {
			d.ID = id
			res.FailDetails = append(res.FailDetails, d)
			res.FailAmount++
			continue
		}
		f.started = append(f.started, id)
		res.SuccessDetails = append(res.SuccessDetails, geelark.PhoneDetail{ID: id})
		res.SuccessAmount++
	}
	return res, nil
}

func (f *fakeCloud) StopPhones(_ context.Context, ids []string) (*geelark.PhoneBatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ids...)
	for _, id := range ids {
		f.phoneStatus[id] = geelark.PhoneShutdown
	}
	return &geelark.PhoneBatchResult{TotalAmount: len(ids), SuccessAmount: len(ids)}, nil
}

func (f *fakeCloud) GetPhoneStatus(_ context.Context, ids []string) (*geelark.PhoneBatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &geelark.PhoneBatchResult{TotalAmount: len(ids)}
	for _, id := range ids {
		res.SuccessDetails = append(res.SuccessDetails, geelark.PhoneDetail{ID: id, Status: f.phoneStatus[id]})
	}
	return res, nil
}

func (f *fakeCloud) IsAppInstalled(_ context.Context, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installCalls++
	return f.installed, f.installErr
}

func (f *fakeCloud) CreateRPATask(_ context.Context, task geelark.RPATask) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, task)
	return "task-" + task.PhoneID, nil
}

func (f *fakeCloud) GetTaskStatus(_ context.Context, taskID string) (*geelark.Task, error) {
	f.mu.Lock()
	f.taskCalls[taskID]++
	call := f.taskCalls[taskID]
	fn := f.taskStatus
	f.mu.Unlock()

	if fn == nil {
		return &geelark.Task{ID: taskID, Status: geelark.TaskRunning}, nil
	}
	return fn(taskID, call)
}

func (f *fakeCloud) QueryTasks(_ context.Context, ids []string) ([]geelark.Task, error) {
	f.mu.Lock()
	f.queryCalls++
	fn := f.queryTasks
	f.mu.Unlock()

	if fn != nil {
		return fn(ids)
	}
	tasks := make([]geelark.Task, len(ids))
	for i, id := range ids {
		tasks[i] = geelark.Task{ID: id, Status: geelark.TaskCompleted}
	}
	return tasks, nil
}

func (f *fakeCloud) stoppedPhones() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type fakeWaiter struct {
	errs map[string]error
}

func (w *fakeWaiter) WaitUntilReady(_ context.Context, phoneID string) error {
	if w.errs == nil {
		return nil
	}
	return w.errs[phoneID]
}

// fakeRental fails the first failFirst rentals, then hands out numbers.
type fakeRental struct {
	mu        sync.Mutex
	failFirst int
	failErr   error
	calls     int
	issued    int
	statuses  map[string]string
}

func (r *fakeRental) RentNumber(_ context.Context, _ bool) (*daisysms.Rental, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failFirst {
		if r.failErr != nil {
			return nil, r.failErr
		}
		return nil, daisysms.ErrNoNumbers
	}
	r.issued++
	return &daisysms.Rental{
		ID:          fmt.Sprintf("rent-%d", r.issued),
		PhoneNumber: fmt.Sprintf("1555000%04d", r.issued),
		ExpiresAt:   time.Now().Add(daisysms.RentalLifetime),
	}, nil
}

func (r *fakeRental) SetStatus(_ context.Context, rentalID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = map[string]string{}
	}
	r.statuses[rentalID] = status
	return nil
}

// memAccounts is an in-memory AccountStore that also records every stage
// write per account.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*domain.AccountState
	stages   map[string][]domain.StageUpdate
	stampErr error
	// stampFail fails StampBatch for the listed accounts only.
	stampFail map[string]error
}

func newMemAccounts() *memAccounts {
	return &memAccounts{
		accounts: map[string]*domain.AccountState{},
		stages:   map[string][]domain.StageUpdate{},
	}
}

func (m *memAccounts) StampBatch(_ context.Context, accountID string, stamp domain.BatchStamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stampErr != nil {
		return m.stampErr
	}
	if err := m.stampFail[accountID]; err != nil {
		return err
	}
	at := stamp.QueuedAt
	m.accounts[accountID] = &domain.AccountState{
		AccountID:        accountID,
		DisplayName:      stamp.DisplayName,
		DeviceSessionID:  stamp.PhoneID,
		Status:           domain.SetupStatusQueued,
		CurrentSetupStep: "Queued",
		BatchID:          stamp.BatchID,
		BatchIndex:       stamp.Index,
		BatchTotal:       stamp.Total,
		BatchStatus:      domain.BatchStatusQueued,
		BatchQueuedAt:    &at,
		BatchUpdatedAt:   &at,
	}
	m.stages[accountID] = nil
	return nil
}

func (m *memAccounts) get(accountID string) (*domain.AccountState, error) {
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, gorm.ErrRecordNotFound)
	}
	return a, nil
}

func (m *memAccounts) UpdateStage(_ context.Context, accountID string, u domain.StageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(accountID)
	if err != nil {
		return err
	}
	a.Status = u.Status
	a.CurrentSetupStep = u.Label
	a.SetupProgress = u.Progress
	a.BatchStatus = domain.BatchStatusProcessing
	m.stages[accountID] = append(m.stages[accountID], u)
	return nil
}

func (m *memAccounts) MarkPhoneStarted(_ context.Context, accountID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(accountID)
	if err != nil {
		return err
	}
	a.PhoneStartedAt = &at
	return nil
}

func (m *memAccounts) SaveLinkage(_ context.Context, accountID string, link domain.PhoneLinkage, u domain.StageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(accountID)
	if err != nil {
		return err
	}
	a.PhoneNumber = link.PhoneNumber
	a.PhoneNumberFormatted = domain.FormattedPhoneNumber(link.PhoneNumber)
	a.RentalID = link.RentalID
	a.LoginTaskID = link.LoginTaskID
	a.Username = link.Username
	a.Status = u.Status
	a.CurrentSetupStep = u.Label
	a.SetupProgress = u.Progress
	m.stages[accountID] = append(m.stages[accountID], u)
	return nil
}

func (m *memAccounts) FinishBatchJob(_ context.Context, accountID string, status domain.BatchStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(accountID)
	if err != nil {
		return err
	}
	a.BatchStatus = status
	a.BatchError = errMsg
	if status == domain.BatchStatusFailed || status == domain.BatchStatusTimeout {
		a.Status = domain.SetupStatusFailed
	}
	return nil
}

func (m *memAccounts) Get(_ context.Context, accountID string) (*domain.AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(accountID)
	if err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) ListStuck(_ context.Context, batchID string, before time.Time) ([]domain.AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AccountState
	for _, a := range m.accounts {
		if a.BatchStatus != domain.BatchStatusQueued && a.BatchStatus != domain.BatchStatusProcessing {
			continue
		}
		if a.BatchUpdatedAt == nil || !a.BatchUpdatedAt.Before(before) {
			continue
		}
		if batchID != "" && a.BatchID != batchID {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (m *memAccounts) put(a domain.AccountState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.AccountID] = &a
}

func (m *memAccounts) stagesOf(accountID string) []domain.StageUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StageUpdate(nil), m.stages[accountID]...)
}

func (m *memAccounts) state(accountID string) domain.AccountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.accounts[accountID]
}

type memTasks struct {
	mu      sync.Mutex
	tasks   []domain.AutomationTask
	updates map[string]domain.TaskStatus
}

func (m *memTasks) Create(_ context.Context, task *domain.AutomationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, *task)
	return nil
}

func (m *memTasks) ListActiveRemoteIDs(_ context.Context, accountID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, t := range m.tasks {
		if t.AccountID != accountID || t.RemoteTaskID == "" {
			continue
		}
		status := t.Status
		if s, ok := m.updates[t.RemoteTaskID]; ok {
			status = s
		}
		if status == domain.TaskStatusPending || status == domain.TaskStatusRunning {
			ids = append(ids, t.RemoteTaskID)
		}
	}
	return ids, nil
}

func (m *memTasks) UpdateStatus(_ context.Context, remoteTaskID string, status domain.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updates == nil {
		m.updates = map[string]domain.TaskStatus{}
	}
	m.updates[remoteTaskID] = status
	return nil
}

type memRentals struct {
	mu        sync.Mutex
	rentals   []domain.SMSRental
	cancelled map[string]string
}

func (m *memRentals) Create(_ context.Context, rental *domain.SMSRental) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rental.CreatedAt.IsZero() {
		rental.CreatedAt = time.Now()
	}
	m.rentals = append(m.rentals, *rental)
	return nil
}

func (m *memRentals) ListWaitingBefore(_ context.Context, before time.Time) ([]domain.SMSRental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SMSRental
	for _, r := range m.rentals {
		if r.Status == domain.RentalStatusWaiting && r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRentals) MarkCancelled(_ context.Context, rentalID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelled == nil {
		m.cancelled = map[string]string{}
	}
	for i := range m.rentals {
		if m.rentals[i].RentalID == rentalID {
			m.rentals[i].Status = domain.RentalStatusCancelled
			m.rentals[i].CancelReason = reason
			m.cancelled[rentalID] = reason
			return nil
		}
	}
	return fmt.Errorf("rental %s: %w", rentalID, gorm.ErrRecordNotFound)
}

type auditRow struct {
	Level     domain.LogLevel
	Component string
	Message   string
	Meta      domain.JSONMap
}

type memAudit struct {
	mu   sync.Mutex
	rows []auditRow
	err  error
}

func (m *memAudit) Insert(_ context.Context, level domain.LogLevel, component, message string, meta domain.JSONMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, auditRow{Level: level, Component: component, Message: message, Meta: meta})
	return nil
}

func (m *memAudit) all() []auditRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]auditRow(nil), m.rows...)
}

type recordingProgress struct {
	mu    sync.Mutex
	snaps map[string][]progress.Snapshot
}

func (r *recordingProgress) Publish(_ context.Context, snap progress.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snaps == nil {
		r.snaps = map[string][]progress.Snapshot{}
	}
	r.snaps[snap.AccountID] = append(r.snaps[snap.AccountID], snap)
	return nil
}

func (r *recordingProgress) of(accountID string) []progress.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Snapshot(nil), r.snaps[accountID]...)
}

// sleepRecorder is a Sleeper that returns immediately and remembers each
// requested duration.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

// fakeClock advances only when slept on.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}
