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
)

const cleanupComponent = "batch-cleanup"

// CleanupReport counts what a cleanup pass changed.
type CleanupReport struct {
	TimedOutAccounts int      `json:"timed_out_accounts"`
	StoppedPhones    int      `json:"stopped_phones"`
	CancelledRentals int      `json:"cancelled_rentals"`
	Errors           []string `json:"errors,omitempty"`
}

// CleanupService recovers accounts and rentals left behind by interrupted runs.
type CleanupService struct {
	cloud    DeviceCloud
	accounts AccountStore
	rentals  RentalStore
	rental   NumberRental
	audit    AuditLog

	stuckAfter       time.Duration
	rentalStuckAfter time.Duration
	now              func() time.Time
}

func NewCleanupService(cloud DeviceCloud, accounts AccountStore, rentals RentalStore, rental NumberRental, audit AuditLog, cfg *config.CleanupConfig) *CleanupService {
	c := &CleanupService{
		cloud:            cloud,
		accounts:         accounts,
		rentals:          rentals,
		rental:           rental,
		audit:            audit,
		stuckAfter:       30 * time.Minute,
		rentalStuckAfter: 25 * time.Minute,
		now:              time.Now,
	}
	if cfg != nil {
		if cfg.StuckAfter > 0 {
			c.stuckAfter = cfg.StuckAfter
		}
		if cfg.RentalStuckAfter > 0 {
			c.rentalStuckAfter = cfg.RentalStuckAfter
		}
	}
	return c
}

// Run performs both cleanup passes. batchID limits the account pass to one
// batch; empty means every batch.
func (c *CleanupService) Run(ctx context.Context, batchID string) (*CleanupReport, error) {
	report := &CleanupReport{}
	if err := c.CleanupStuckBatches(ctx, batchID, report); err != nil {
		return report, err
	}
	if err := c.CleanupStuckRentals(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

// CleanupStuckBatches times out accounts whose batch job has not moved for
// longer than the stuck threshold and stops their phones when still running.
func (c *CleanupService) CleanupStuckBatches(ctx context.Context, batchID string, report *CleanupReport) error {
	log := logger.FromContext(logger.SetComponent(ctx, cleanupComponent))
	stuck, err := c.accounts.ListStuck(ctx, batchID, c.now().Add(-c.stuckAfter))
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}

	msg := fmt.Sprintf("operation exceeded %d minute timeout", int(c.stuckAfter.Minutes()))
	for _, acct := range stuck {
		alog := log.WithFields(logger.Fields{
			logger.FieldAccountID: acct.AccountID,
			logger.FieldBatchID:   acct.BatchID,
		})

		if err := c.accounts.FinishBatchJob(ctx, acct.AccountID, domain.BatchStatusTimeout, msg); err != nil {
			alog.WithError(err).Error("Failed to time out stuck account")
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", acct.AccountID, err))
			continue
		}
		report.TimedOutAccounts++

		if acct.DeviceSessionID == "" {
			continue
		}
		stopped, err := c.stopIfRunning(ctx, acct.DeviceSessionID)
		if err != nil {
			alog.WithError(err).Warn("Failed to stop phone of stuck account")
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", acct.DeviceSessionID, err))
			continue
		}
		if stopped {
			report.StoppedPhones++
		}
	}

	logger.With(logger.Fields{"stopped_phones": report.StoppedPhones}).
		WithCount(report.TimedOutAccounts).
		Info(ctx, "Stuck batch accounts timed out")

	c.record(ctx, "Timed out stuck batch accounts", domain.JSONMap{
		"batch_id":       batchID,
		"timed_out":      report.TimedOutAccounts,
		"stopped_phones": report.StoppedPhones,
	})
	return nil
}

func (c *CleanupService) stopIfRunning(ctx context.Context, phoneID string) (bool, error) {
	res, err := c.cloud.GetPhoneStatus(ctx, []string{phoneID})
	if err != nil {
		return false, err
	}
	d, ok := res.Success(phoneID)
	if !ok || d.Status != geelark.PhoneStarted {
		return false, nil
	}
	if _, err := c.cloud.StopPhones(ctx, []string{phoneID}); err != nil {
		return false, err
	}
	return true, nil
}

// CleanupStuckRentals cancels rentals that never received an OTP.
func (c *CleanupService) CleanupStuckRentals(ctx context.Context, report *CleanupReport) error {
	log := logger.FromContext(logger.SetComponent(ctx, cleanupComponent))
	waiting, err := c.rentals.ListWaitingBefore(ctx, c.now().Add(-c.rentalStuckAfter))
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	reason := fmt.Sprintf("no OTP received within %d minutes", int(c.rentalStuckAfter.Minutes()))
	for _, r := range waiting {
		rlog := log.WithFields(logger.Fields{
			"rental_id":           r.RentalID,
			logger.FieldAccountID: r.AccountID,
		})
		if err := c.rental.SetStatus(ctx, r.RentalID, daisysms.StatusCancel); err != nil {
			// the provider may already have expired it; still release locally
			rlog.WithError(err).Warn("Failed to cancel rental with provider")
		}
		if err := c.rentals.MarkCancelled(ctx, r.RentalID, reason); err != nil {
			rlog.WithError(err).Error("Failed to mark rental cancelled")
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", r.RentalID, err))
			continue
		}
		report.CancelledRentals++
	}

	c.record(ctx, "Cancelled stuck SMS rentals", domain.JSONMap{
		"cancelled": report.CancelledRentals,
	})
	return nil
}

func (c *CleanupService) record(ctx context.Context, message string, meta domain.JSONMap) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Insert(context.WithoutCancel(ctx), domain.LogLevelInfo, cleanupComponent, message, meta); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to write cleanup log record")
	}
}
