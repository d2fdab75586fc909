package domain

import "time"

// SetupStatus is the provisioning state machine position of an account.
type SetupStatus string

const (
	SetupStatusQueued              SetupStatus = "queued"
	SetupStatusStartingPhone       SetupStatus = "starting_phone"
	SetupStatusInstallingApp       SetupStatus = "installing_tiktok"
	SetupStatusRunningRemoteTask   SetupStatus = "running_remote_task"
	SetupStatusWaitingTaskStart    SetupStatus = "waiting_task_start"
	SetupStatusRentingNumber       SetupStatus = "renting_number"
	SetupStatusPendingVerification SetupStatus = "pending_verification"
	SetupStatusFailed              SetupStatus = "failed"
)

// IsActiveSetup reports whether the account is still inside the provisioning
// pipeline (or waiting on its OTP).
func (s SetupStatus) IsActiveSetup() bool {
	switch s {
	case SetupStatusStartingPhone, SetupStatusInstallingApp, SetupStatusRunningRemoteTask,
		SetupStatusWaitingTaskStart, SetupStatusRentingNumber, SetupStatusPendingVerification:
		return true
	}
	return false
}

// IsValid reports whether s is a known setup status.
func (s SetupStatus) IsValid() bool {
	switch s {
	case SetupStatusQueued, SetupStatusFailed:
		return true
	}
	return s.IsActiveSetup()
}

// BatchStatus tracks an account's job within its batch.
type BatchStatus string

const (
	BatchStatusQueued     BatchStatus = "queued"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusTimeout    BatchStatus = "timeout"
)

// AccountState is the persisted per-account provisioning record. It is keyed
// by AccountID and only ever written by that account's own pipeline run.
type AccountState struct {
	AccountID        string      `gorm:"type:text;primaryKey" json:"account_id"`
	DisplayName      string      `gorm:"type:text" json:"display_name"`
	DeviceSessionID  string      `gorm:"type:text;index" json:"device_session_id"`
	Status           SetupStatus `gorm:"type:text;index;default:queued" json:"status"`
	CurrentSetupStep string      `gorm:"type:text" json:"current_setup_step"`
	SetupProgress    int         `gorm:"default:0" json:"setup_progress"`

	BatchID        string      `gorm:"type:text;index" json:"batch_id"`
	BatchIndex     int         `json:"batch_index"`
	BatchTotal     int         `json:"batch_total"`
	BatchStatus    BatchStatus `gorm:"type:text;index" json:"batch_status"`
	BatchError     string      `gorm:"type:text" json:"batch_error,omitempty"`
	BatchQueuedAt  *time.Time  `json:"batch_queued_at,omitempty"`
	BatchUpdatedAt *time.Time  `gorm:"index" json:"batch_updated_at,omitempty"`

	PhoneNumber          string     `gorm:"type:text" json:"phone_number,omitempty"`
	PhoneNumberFormatted string     `gorm:"type:text" json:"phone_number_formatted,omitempty"`
	RentalID             string     `gorm:"type:text" json:"rental_id,omitempty"`
	LoginTaskID          string     `gorm:"type:text" json:"login_task_id,omitempty"`
	Username             string     `gorm:"type:text" json:"username,omitempty"`
	SetupType            string     `gorm:"type:text" json:"setup_type,omitempty"`
	LoginMethod          string     `gorm:"type:text" json:"login_method,omitempty"`
	PhoneStartedAt       *time.Time `json:"phone_started_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AccountState) TableName() string {
	return "accounts"
}

// BatchStamp is written to every account of a batch before it runs.
type BatchStamp struct {
	BatchID     string
	Index       int // 1-based
	Total       int
	DisplayName string
	PhoneID     string
	QueuedAt    time.Time
}

// StageUpdate is the write made at the start of each pipeline stage.
type StageUpdate struct {
	Status   SetupStatus
	Label    string
	Progress int
}

// PhoneLinkage is the final persisted linkage between an account, its rented
// number and its remote login task.
type PhoneLinkage struct {
	PhoneNumber string
	RentalID    string
	LoginTaskID string
	Username    string
	BatchID     string
}

// FormattedPhoneNumber strips the leading US country code.
func FormattedPhoneNumber(phone string) string {
	if len(phone) > 1 && phone[0] == '1' {
		return phone[1:]
	}
	return phone
}
