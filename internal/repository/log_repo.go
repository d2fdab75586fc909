package repository

import (
	"context"
	"fmt"

	"github.com/timmy/phonefarm/internal/domain"
	"gorm.io/gorm"
)

// LogRepository writes operator-facing audit rows to the logs table.
type LogRepository struct {
	db *gorm.DB
}

func NewLogRepository(db *gorm.DB) *LogRepository {
	return &LogRepository{db: db}
}

// Insert writes one audit row.
func (r *LogRepository) Insert(ctx context.Context, level domain.LogLevel, component, message string, meta domain.JSONMap) error {
	rec := &domain.LogRecord{
		Level:     level,
		Component: component,
		Message:   message,
		Meta:      meta,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert log record: %w", err)
	}
	return nil
}

// ListByComponent returns the newest rows for a component.
func (r *LogRepository) ListByComponent(ctx context.Context, component string, limit int) ([]domain.LogRecord, error) {
	var recs []domain.LogRecord
	if err := r.db.WithContext(ctx).
		Where("component = ?", component).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
