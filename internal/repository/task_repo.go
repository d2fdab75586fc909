package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/timmy/phonefarm/internal/domain"
	"gorm.io/gorm"
)

// TaskRepository persists remote automation task records.
type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a task record, assigning an ID when missing.
func (r *TaskRepository) Create(ctx context.Context, task *domain.AutomationTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task %s: %w", task.RemoteTaskID, err)
	}
	return nil
}

// ListActiveRemoteIDs returns remote ids of the account's pending or running tasks.
func (r *TaskRepository) ListActiveRemoteIDs(ctx context.Context, accountID string) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&domain.AutomationTask{}).
		Where("account_id = ?", accountID).
		Where("status IN ?", []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusRunning}).
		Where("remote_task_id <> ''").
		Pluck("remote_task_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list active tasks for %s: %w", accountID, err)
	}
	return ids, nil
}

// UpdateStatus sets the local status of a task by its remote id.
func (r *TaskRepository) UpdateStatus(ctx context.Context, remoteTaskID string, status domain.TaskStatus) error {
	return r.db.WithContext(ctx).
		Model(&domain.AutomationTask{}).
		Where("remote_task_id = ?", remoteTaskID).
		Update("status", status).Error
}
