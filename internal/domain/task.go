package domain

import "time"

// TaskStatus is the local view of a remote automation task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// AutomationTask records a remote automation task created for an account.
type AutomationTask struct {
	ID           string     `gorm:"type:text;primaryKey" json:"id"`
	Type         string     `gorm:"type:text" json:"type"`
	TaskType     string     `gorm:"type:text" json:"task_type"`
	RemoteTaskID string     `gorm:"type:text;uniqueIndex" json:"remote_task_id"`
	AccountID    string     `gorm:"type:text;index" json:"account_id"`
	PhoneID      string     `gorm:"type:text" json:"phone_id"`
	FlowID       string     `gorm:"type:text" json:"flow_id"`
	Username     string     `gorm:"type:text" json:"username"`
	BatchID      string     `gorm:"type:text;index" json:"batch_id"`
	Status       TaskStatus `gorm:"type:text;index;default:pending" json:"status"`
	SetupStep    string     `gorm:"type:text" json:"setup_step"`
	Progress     int        `json:"progress"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (AutomationTask) TableName() string {
	return "tasks"
}
