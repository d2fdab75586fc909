package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/phonefarm/internal/domain"
	"github.com/timmy/phonefarm/internal/logger"
	"github.com/timmy/phonefarm/internal/service"
)

// BatchProcessor runs a batch of provisioning jobs to completion.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, reqs []domain.JobRequest) (*domain.BatchSummary, error)
}

// ReportLoader fetches an archived batch summary.
type ReportLoader interface {
	Load(ctx context.Context, batchID string) (*domain.BatchSummary, error)
}

// BatchHandler handles batch submission and reporting.
type BatchHandler struct {
	processor BatchProcessor
	reports   ReportLoader

	mu          sync.RWMutex
	running     int
	lastRunTime time.Time
	lastSummary *domain.BatchSummary
	lastError   string
}

// NewBatchHandler creates a new batch handler.
// Parameters:
//   - processor: batch coordinator.
//   - reports: archived report reader; nil disables the report endpoint.
//
// Returns:
//   - *BatchHandler: initialized handler.
func NewBatchHandler(processor BatchProcessor, reports ReportLoader) *BatchHandler {
	return &BatchHandler{processor: processor, reports: reports}
}

// JobRequestDTO is one phone of a batch submission.
type JobRequestDTO struct {
	DeviceSessionID string `json:"device_session_id" binding:"required"`
	AccountID       string `json:"account_id" binding:"required"`
	DisplayName     string `json:"display_name"`
}

// BatchRequest represents the batch submission body.
type BatchRequest struct {
	Jobs []JobRequestDTO `json:"jobs" binding:"required,min=1,max=500,dive"`
}

// BatchStatusResponse reports batches in flight and the last finished batch.
type BatchStatusResponse struct {
	Running     int                  `json:"running"`
	LastRunTime string               `json:"last_run_time,omitempty"`
	LastError   string               `json:"last_error,omitempty"`
	LastSummary *domain.BatchSummary `json:"last_summary,omitempty"`
}

// SubmitBatch runs the submitted jobs and responds with the batch summary.
// The batch keeps running if the client disconnects.
func (h *BatchHandler) SubmitBatch(c *gin.Context) {
	ctx := c.Request.Context()

	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid batch request: client_ip=%s, error=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reqs := make([]domain.JobRequest, len(req.Jobs))
	for i, j := range req.Jobs {
		reqs[i] = domain.JobRequest{
			DeviceSessionID: j.DeviceSessionID,
			AccountID:       j.AccountID,
			DisplayName:     j.DisplayName,
		}
	}

	h.mu.Lock()
	h.running++
	h.mu.Unlock()

	logger.CtxInfo(ctx, "Received batch request: jobs=%d, client_ip=%s", len(reqs), c.ClientIP())

	summary, err := h.processor.ProcessBatch(context.WithoutCancel(ctx), reqs)

	h.mu.Lock()
	h.running--
	h.lastRunTime = time.Now()
	if summary != nil {
		h.lastSummary = summary
	}
	h.lastError = ""
	if err != nil {
		h.lastError = err.Error()
	}
	h.mu.Unlock()

	switch {
	case errors.Is(err, service.ErrEmptyBatch), errors.Is(err, service.ErrInvalidJob), errors.Is(err, service.ErrDuplicateAccount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil && summary == nil:
		logger.CtxError(ctx, "Batch failed to start: error=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case err != nil:
		// every job ran; only the summary record is missing
		logger.CtxWarn(ctx, "Batch finished with bookkeeping error: batch_id=%s, error=%v", summary.BatchID, err)
		c.JSON(http.StatusOK, gin.H{"summary": summary, "warning": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"summary": summary})
	}
}

// GetBatchStatus returns the number of running batches and the last result.
func (h *BatchHandler) GetBatchStatus(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := BatchStatusResponse{
		Running:     h.running,
		LastError:   h.lastError,
		LastSummary: h.lastSummary,
	}
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// GetBatchReport returns an archived batch summary.
func (h *BatchHandler) GetBatchReport(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "report archive is not configured"})
		return
	}

	batchID := c.Param("id")
	if _, err := service.ParseBatchStart(batchID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := h.reports.Load(c.Request.Context(), batchID)
	if err != nil {
		logger.CtxWarn(c.Request.Context(), "Batch report lookup failed: batch_id=%s, error=%v", batchID, err)
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
