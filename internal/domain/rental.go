package domain

import "time"

// RentalStatus tracks an SMS rental through its OTP lifecycle.
type RentalStatus string

const (
	RentalStatusWaiting   RentalStatus = "waiting"
	RentalStatusReceived  RentalStatus = "received"
	RentalStatusExpired   RentalStatus = "expired"
	RentalStatusCancelled RentalStatus = "cancelled"
)

// SMSRental is a phone number rented from the SMS provider for one account.
type SMSRental struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	RentalID     string       `gorm:"type:text;uniqueIndex" json:"rental_id"`
	PhoneNumber  string       `gorm:"type:text" json:"phone_number"`
	AccountID    string       `gorm:"type:text;index" json:"account_id"`
	Status       RentalStatus `gorm:"type:text;index;default:waiting" json:"status"`
	CancelReason string       `gorm:"type:text" json:"cancel_reason,omitempty"`
	ExpiresAt    time.Time    `json:"expires_at"`
	CreatedAt    time.Time    `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (SMSRental) TableName() string {
	return "sms_rentals"
}
