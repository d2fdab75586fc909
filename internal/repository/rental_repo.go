package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/phonefarm/internal/domain"
	"gorm.io/gorm"
)

// RentalRepository persists SMS number rentals.
type RentalRepository struct {
	db *gorm.DB
}

func NewRentalRepository(db *gorm.DB) *RentalRepository {
	return &RentalRepository{db: db}
}

// Create inserts a rental record.
func (r *RentalRepository) Create(ctx context.Context, rental *domain.SMSRental) error {
	if err := r.db.WithContext(ctx).Create(rental).Error; err != nil {
		return fmt.Errorf("create rental %s: %w", rental.RentalID, err)
	}
	return nil
}

// ListWaitingBefore returns rentals still waiting for an OTP that were created before the cutoff.
func (r *RentalRepository) ListWaitingBefore(ctx context.Context, before time.Time) ([]domain.SMSRental, error) {
	var rentals []domain.SMSRental
	if err := r.db.WithContext(ctx).
		Where("status = ?", domain.RentalStatusWaiting).
		Where("created_at < ?", before).
		Find(&rentals).Error; err != nil {
		return nil, fmt.Errorf("list waiting rentals: %w", err)
	}
	return rentals, nil
}

// MarkCancelled flags a rental as cancelled with a reason.
func (r *RentalRepository) MarkCancelled(ctx context.Context, rentalID, reason string) error {
	return r.db.WithContext(ctx).
		Model(&domain.SMSRental{}).
		Where("rental_id = ?", rentalID).
		Updates(map[string]interface{}{
			"status":        domain.RentalStatusCancelled,
			"cancel_reason": reason,
		}).Error
}
