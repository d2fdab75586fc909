package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/phonefarm/internal/domain"
	"github.com/timmy/phonefarm/internal/logger"
	"github.com/timmy/phonefarm/internal/progress"
	"github.com/timmy/phonefarm/internal/service"
	"gorm.io/gorm"
)

// ProgressReader returns cached progress snapshots.
type ProgressReader interface {
	Get(ctx context.Context, accountID string) (*progress.Snapshot, error)
}

// AccountReader returns persisted account state.
type AccountReader interface {
	Get(ctx context.Context, accountID string) (*domain.AccountState, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.AccountState, error)
}

// AccountHandler serves account provisioning status.
type AccountHandler struct {
	cache    ProgressReader
	accounts AccountReader
}

// NewAccountHandler creates a new account handler. cache may be nil.
func NewAccountHandler(cache ProgressReader, accounts AccountReader) *AccountHandler {
	return &AccountHandler{cache: cache, accounts: accounts}
}

// AccountStatusResponse is the progress view of one account.
type AccountStatusResponse struct {
	AccountID   string             `json:"account_id"`
	BatchID     string             `json:"batch_id,omitempty"`
	Status      domain.SetupStatus `json:"status"`
	Step        string             `json:"current_setup_step"`
	Progress    int                `json:"setup_progress"`
	BatchStatus domain.BatchStatus `json:"batch_status,omitempty"`
	Error       string             `json:"batch_error,omitempty"`
	Source      string             `json:"source"`
}

// GetStatus returns an account's progress, from the cache when present.
func (h *AccountHandler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("id")

	if h.cache != nil {
		snap, err := h.cache.Get(ctx, accountID)
		if err == nil {
			c.JSON(http.StatusOK, AccountStatusResponse{
				AccountID:   snap.AccountID,
				BatchID:     snap.BatchID,
				Status:      snap.Status,
				Step:        snap.Step,
				Progress:    snap.Progress,
				BatchStatus: snap.BatchStatus,
				Error:       snap.Error,
				Source:      "cache",
			})
			return
		}
		if !errors.Is(err, progress.ErrNotFound) {
			logger.CtxWarn(ctx, "Progress cache read failed: account_id=%s, error=%v", accountID, err)
		}
	}

	state, err := h.accounts.Get(ctx, accountID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		logger.CtxError(ctx, "Account lookup failed: account_id=%s, error=%v", accountID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}

	c.JSON(http.StatusOK, AccountStatusResponse{
		AccountID:   state.AccountID,
		BatchID:     state.BatchID,
		Status:      state.Status,
		Step:        state.CurrentSetupStep,
		Progress:    state.SetupProgress,
		BatchStatus: state.BatchStatus,
		Error:       state.BatchError,
		Source:      "database",
	})
}

// ListBatchAccounts returns every account of a batch in batch order, from the
// database. An optional status query narrows the list to one setup status.
func (h *AccountHandler) ListBatchAccounts(c *gin.Context) {
	ctx := c.Request.Context()
	batchID := c.Param("id")
	if _, err := service.ParseBatchStart(batchID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var filter domain.SetupStatus
	if raw := c.Query("status"); raw != "" {
		filter = domain.SetupStatus(raw)
		if !filter.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + raw})
			return
		}
	}

	states, err := h.accounts.ListByBatch(ctx, batchID)
	if err != nil {
		logger.CtxError(ctx, "Batch account lookup failed: batch_id=%s, error=%v", batchID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load batch accounts"})
		return
	}

	accounts := make([]domain.AccountState, 0, len(states))
	for _, st := range states {
		if filter == "" || st.Status == filter {
			accounts = append(accounts, st)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"batch_id": batchID,
		"total":    len(accounts),
		"accounts": accounts,
	})
}
