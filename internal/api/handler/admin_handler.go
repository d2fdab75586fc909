package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/phonefarm/internal/logger"
	"github.com/timmy/phonefarm/internal/service"
)

// CleanupRunner recovers stuck accounts and rentals.
type CleanupRunner interface {
	Run(ctx context.Context, batchID string) (*service.CleanupReport, error)
}

// MonitorCounter reports running completion monitors.
type MonitorCounter interface {
	Active() int
}

// AdminHandler handles operator maintenance endpoints.
type AdminHandler struct {
	cleanup  CleanupRunner
	monitors MonitorCounter

	mu            sync.Mutex
	isRunning     bool
	lastRunTime   time.Time
	lastRunStatus string
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - cleanup: stuck-state recovery service.
//   - monitors: monitor pool; nil reports zero.
//
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(cleanup CleanupRunner, monitors MonitorCounter) *AdminHandler {
	return &AdminHandler{cleanup: cleanup, monitors: monitors}
}

// CleanupRequest limits a cleanup run to one batch.
type CleanupRequest struct {
	BatchID string `json:"batch_id"`
}

// TriggerCleanup times out stuck accounts and cancels stale rentals.
func (h *AdminHandler) TriggerCleanup(c *gin.Context) {
	ctx := c.Request.Context()

	var req CleanupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		logger.CtxWarn(ctx, "Cleanup request rejected: already running, client_ip=%s", c.ClientIP())
		c.JSON(http.StatusConflict, gin.H{"error": "Cleanup is already running"})
		return
	}
	h.isRunning = true
	h.mu.Unlock()

	start := time.Now()
	report, err := h.cleanup.Run(context.WithoutCancel(ctx), req.BatchID)

	h.mu.Lock()
	h.isRunning = false
	h.lastRunTime = time.Now()
	if err != nil {
		h.lastRunStatus = "failed: " + err.Error()
	} else {
		h.lastRunStatus = "success"
	}
	h.mu.Unlock()

	if err != nil {
		logger.With(nil).Since(start).
			Error(ctx, "Cleanup failed: batch_id=%s, error=%v", req.BatchID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}

	logger.With(nil).Since(start).
		Info(ctx, "Cleanup completed: timed_out=%d, stopped=%d, rentals=%d",
			report.TimedOutAccounts, report.StoppedPhones, report.CancelledRentals)
	c.JSON(http.StatusOK, report)
}

// GetStatus returns cleanup state and the number of running monitors.
func (h *AdminHandler) GetStatus(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	active := 0
	if h.monitors != nil {
		active = h.monitors.Active()
	}
	resp := gin.H{
		"cleanup_running": h.isRunning,
		"active_monitors": active,
	}
	if !h.lastRunTime.IsZero() {
		resp["last_cleanup_time"] = h.lastRunTime.Format(time.RFC3339)
		resp["last_cleanup_status"] = h.lastRunStatus
	}
	c.JSON(http.StatusOK, resp)
}
