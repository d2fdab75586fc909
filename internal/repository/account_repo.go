package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/phonefarm/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountRepository persists per-account provisioning state.
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// StampBatch creates or overwrites the batch fields of an account and puts it
// back into the queued state. The previous run's number, rental, login task
// and username are cleared.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - accountID: account to stamp.
//   - stamp: batch id, 1-based index, total and queue time.
//
// Returns:
//   - error: non-nil if the upsert fails.
func (r *AccountRepository) StampBatch(ctx context.Context, accountID string, stamp domain.BatchStamp) error {
	queuedAt := stamp.QueuedAt
	state := &domain.AccountState{
		AccountID:        accountID,
		DisplayName:      stamp.DisplayName,
		DeviceSessionID:  stamp.PhoneID,
		Status:           domain.SetupStatusQueued,
		CurrentSetupStep: "Queued",
		SetupProgress:    0,
		BatchID:          stamp.BatchID,
		BatchIndex:       stamp.Index,
		BatchTotal:       stamp.Total,
		BatchStatus:      domain.BatchStatusQueued,
		BatchQueuedAt:    &queuedAt,
		BatchUpdatedAt:   &queuedAt,
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "device_session_id", "status", "current_setup_step", "setup_progress",
			"batch_id", "batch_index", "batch_total", "batch_status", "batch_error",
			"batch_queued_at", "batch_updated_at", "updated_at",
			"phone_number", "phone_number_formatted", "rental_id", "login_task_id", "username",
			"phone_started_at",
		}),
	}).Create(state).Error
	if err != nil {
		return fmt.Errorf("stamp account %s: %w", accountID, err)
	}
	return nil
}

// UpdateStage records the start of a pipeline stage.
func (r *AccountRepository) UpdateStage(ctx context.Context, accountID string, u domain.StageUpdate) error {
	now := time.Now()
	return r.update(ctx, accountID, map[string]interface{}{
		"status":             u.Status,
		"current_setup_step": u.Label,
		"setup_progress":     u.Progress,
		"batch_status":       domain.BatchStatusProcessing,
		"batch_updated_at":   &now,
	})
}

// MarkPhoneStarted records when the device session start was requested.
func (r *AccountRepository) MarkPhoneStarted(ctx context.Context, accountID string, at time.Time) error {
	return r.update(ctx, accountID, map[string]interface{}{
		"phone_started_at": &at,
	})
}

// SaveLinkage writes the rented number and login task onto the account and
// moves it to the given stage.
func (r *AccountRepository) SaveLinkage(ctx context.Context, accountID string, link domain.PhoneLinkage, u domain.StageUpdate) error {
	now := time.Now()
	return r.update(ctx, accountID, map[string]interface{}{
		"status":                 u.Status,
		"current_setup_step":     u.Label,
		"setup_progress":         u.Progress,
		"phone_number":           link.PhoneNumber,
		"phone_number_formatted": domain.FormattedPhoneNumber(link.PhoneNumber),
		"rental_id":              link.RentalID,
		"login_task_id":          link.LoginTaskID,
		"username":               link.Username,
		"batch_id":               link.BatchID,
		"setup_type":             "daisysms",
		"login_method":           "phone_rpa",
		"batch_updated_at":       &now,
	})
}

// FinishBatchJob writes the terminal batch status. A failed job also moves the
// state machine to failed and records the error.
func (r *AccountRepository) FinishBatchJob(ctx context.Context, accountID string, status domain.BatchStatus, errMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"batch_status":     status,
		"batch_updated_at": &now,
	}
	if errMsg != "" {
		updates["batch_error"] = errMsg
	}
	if status == domain.BatchStatusFailed || status == domain.BatchStatusTimeout {
		updates["status"] = domain.SetupStatusFailed
	}
	return r.update(ctx, accountID, updates)
}

// Get retrieves an account's state.
// Returns gorm.ErrRecordNotFound (wrapped) when the account is unknown.
func (r *AccountRepository) Get(ctx context.Context, accountID string) (*domain.AccountState, error) {
	var state domain.AccountState
	if err := r.db.WithContext(ctx).First(&state, "account_id = ?", accountID).Error; err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return &state, nil
}

// ListByBatch retrieves every account stamped with the batch id, in batch order.
func (r *AccountRepository) ListByBatch(ctx context.Context, batchID string) ([]domain.AccountState, error) {
	var states []domain.AccountState
	if err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("batch_index ASC").
		Find(&states).Error; err != nil {
		return nil, fmt.Errorf("list batch %s: %w", batchID, err)
	}
	return states, nil
}

// ListStuck finds accounts whose batch job has been queued or processing
// without an update since before. An empty batchID matches every batch.
func (r *AccountRepository) ListStuck(ctx context.Context, batchID string, before time.Time) ([]domain.AccountState, error) {
	query := r.db.WithContext(ctx).
		Where("batch_status IN ?", []domain.BatchStatus{domain.BatchStatusQueued, domain.BatchStatusProcessing}).
		Where("batch_updated_at < ?", before)
	if batchID != "" {
		query = query.Where("batch_id = ?", batchID)
	}

	var states []domain.AccountState
	if err := query.Find(&states).Error; err != nil {
		return nil, fmt.Errorf("list stuck accounts: %w", err)
	}
	return states, nil
}

func (r *AccountRepository) update(ctx context.Context, accountID string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).
		Model(&domain.AccountState{}).
		Where("account_id = ?", accountID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update account %s: %w", accountID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update account %s: %w", accountID, gorm.ErrRecordNotFound)
	}
	return nil
}
