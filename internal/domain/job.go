package domain

// JobRequest is what a caller submits for one phone: which device session to
// drive and which local account it provisions.
type JobRequest struct {
	DeviceSessionID string `json:"device_session_id"`
	AccountID       string `json:"account_id"`
	DisplayName     string `json:"display_name"`
}

// Job is one unit of batch work. It is immutable once the batch id is stamped.
type Job struct {
	DeviceSessionID string
	AccountID       string
	DisplayName     string
	BatchID         string
	Index           int // 0-based position in the batch
	Total           int
}

// JobResult is the outcome of one job.
// Success implies RentalID, PhoneNumber and LoginTaskID are set and Error is empty;
// failure implies Error is set.
type JobResult struct {
	DeviceSessionID string `json:"device_session_id"`
	AccountID       string `json:"account_id"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	RentalID        string `json:"rental_id,omitempty"`
	PhoneNumber     string `json:"phone_number,omitempty"`
	LoginTaskID     string `json:"login_task_id,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
}

// BatchSummary aggregates the results of a batch.
type BatchSummary struct {
	BatchID         string      `json:"batch_id"`
	TotalRequested  int         `json:"total_requested"`
	Successful      int         `json:"successful"`
	Failed          int         `json:"failed"`
	DurationSeconds int         `json:"duration_seconds"`
	Results         []JobResult `json:"results"`
}

// NewBatchSummary counts results into a summary.
func NewBatchSummary(batchID string, results []JobResult) *BatchSummary {
	s := &BatchSummary{
		BatchID:        batchID,
		TotalRequested: len(results),
		Results:        results,
	}
	for _, r := range results {
		if r.Success {
			s.Successful++
		} else {
			s.Failed++
		}
	}
	return s
}
