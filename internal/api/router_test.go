package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/phonefarm/internal/api/handler"
	"github.com/timmy/phonefarm/internal/config"
	"github.com/timmy/phonefarm/internal/domain"
	"github.com/timmy/phonefarm/internal/progress"
	"github.com/timmy/phonefarm/internal/service"
	"gorm.io/gorm"
)

type stubProcessor struct {
	got []domain.JobRequest
	err error
}

func (p *stubProcessor) ProcessBatch(_ context.Context, reqs []domain.JobRequest) (*domain.BatchSummary, error) {
	p.got = reqs
	if p.err != nil {
		return nil, p.err
	}
	results := make([]domain.JobResult, len(reqs))
	for i, r := range reqs {
		results[i] = domain.JobResult{AccountID: r.AccountID, DeviceSessionID: r.DeviceSessionID, Success: i%2 == 0}
		if !results[i].Success {
			results[i].Error = "task failed to start: flow crashed"
		}
	}
	return domain.NewBatchSummary("batch_1718000000000_abcdefghi", results), nil
}

type stubReports struct {
	summaries map[string]*domain.BatchSummary
}

func (r *stubReports) Load(_ context.Context, batchID string) (*domain.BatchSummary, error) {
	s, ok := r.summaries[batchID]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return s, nil
}

type stubCache struct {
	snaps map[string]*progress.Snapshot
}

func (c *stubCache) Get(_ context.Context, accountID string) (*progress.Snapshot, error) {
	s, ok := c.snaps[accountID]
	if !ok {
		return nil, progress.ErrNotFound
	}
	return s, nil
}

type stubAccounts struct {
	states map[string]*domain.AccountState
}

func (a *stubAccounts) Get(_ context.Context, accountID string) (*domain.AccountState, error) {
	s, ok := a.states[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, gorm.ErrRecordNotFound)
	}
	return s, nil
}

func (a *stubAccounts) ListByBatch(_ context.Context, batchID string) ([]domain.AccountState, error) {
	var out []domain.AccountState
	for _, s := range a.states {
		if s.BatchID == batchID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchIndex < out[j].BatchIndex })
	return out, nil
}

type stubCleanup struct {
	batchID string
}

func (c *stubCleanup) Run(_ context.Context, batchID string) (*service.CleanupReport, error) {
	c.batchID = batchID
	return &service.CleanupReport{TimedOutAccounts: 2, StoppedPhones: 1}, nil
}

type stubMonitors int

func (m stubMonitors) Active() int { return int(m) }

type testServer struct {
	processor *stubProcessor
	cleanup   *stubCleanup
	router    http.Handler
}

func newTestServer() *testServer {
	ts := &testServer{
		processor: &stubProcessor{},
		cleanup:   &stubCleanup{},
	}
	reports := &stubReports{summaries: map[string]*domain.BatchSummary{
		"batch_1718000000000_abcdefghi": domain.NewBatchSummary("batch_1718000000000_abcdefghi", []domain.JobResult{{AccountID: "a1", Success: true}}),
	}}
	cache := &stubCache{snaps: map[string]*progress.Snapshot{
		"cached": {AccountID: "cached", Status: domain.SetupStatusRentingNumber, Step: "Rent Phone Number", Progress: 80},
	}}
	accounts := &stubAccounts{states: map[string]*domain.AccountState{
		"stored": {AccountID: "stored", Status: domain.SetupStatusFailed, BatchStatus: domain.BatchStatusTimeout, BatchError: "operation exceeded 30 minute timeout"},
		"b-2":    {AccountID: "b-2", BatchID: "batch_1718000000000_abcdefghi", BatchIndex: 2, Status: domain.SetupStatusFailed, BatchStatus: domain.BatchStatusFailed},
		"b-1":    {AccountID: "b-1", BatchID: "batch_1718000000000_abcdefghi", BatchIndex: 1, Status: domain.SetupStatusRentingNumber, BatchStatus: domain.BatchStatusProcessing},
	}}

	ts.router = SetupRouter(Handlers{
		Health:  handler.NewHealthHandler(map[string]handler.HealthCheck{"database": func(context.Context) error { return nil }}),
		Batch:   handler.NewBatchHandler(ts.processor, reports),
		Account: handler.NewAccountHandler(cache, accounts),
		Admin:   handler.NewAdminHandler(ts.cleanup, stubMonitors(3)),
	}, &config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}})
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer()
	w := ts.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSubmitBatch(t *testing.T) {
	ts := newTestServer()
	body := `{"jobs":[
		{"device_session_id":"p1","account_id":"a1","display_name":"One"},
		{"device_session_id":"p2","account_id":"a2"}
	]}`

	w := ts.do(http.MethodPost, "/api/v1/batches", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, ts.processor.got, 2)
	assert.Equal(t, "One", ts.processor.got[0].DisplayName)

	summary := decode(t, w)["summary"].(map[string]interface{})
	assert.Equal(t, float64(2), summary["total_requested"])
	assert.Equal(t, float64(1), summary["successful"])
	assert.Equal(t, float64(1), summary["failed"])

	w = ts.do(http.MethodGet, "/api/v1/batches/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	assert.Equal(t, float64(0), status["running"])
	assert.NotNil(t, status["last_summary"])
}

func TestSubmitBatchValidation(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "empty jobs", body: `{"jobs":[]}`},
		{name: "missing account", body: `{"jobs":[{"device_session_id":"p1"}]}`},
		{name: "malformed", body: `{"jobs":`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer()
			w := ts.do(http.MethodPost, "/api/v1/batches", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Nil(t, ts.processor.got)
		})
	}
}

func TestSubmitBatchErrors(t *testing.T) {
	ts := newTestServer()
	ts.processor.err = fmt.Errorf("%w: a1", service.ErrDuplicateAccount)
	w := ts.do(http.MethodPost, "/api/v1/batches", `{"jobs":[{"device_session_id":"p1","account_id":"a1"},{"device_session_id":"p2","account_id":"a1"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts = newTestServer()
	ts.processor.err = errors.New("failed to stamp batch: database is locked")
	w = ts.do(http.MethodPost, "/api/v1/batches", `{"jobs":[{"device_session_id":"p1","account_id":"a1"}]}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetBatchReport(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodGet, "/api/v1/batches/batch_1718000000000_abcdefghi/report", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "batch_1718000000000_abcdefghi", decode(t, w)["batch_id"])

	w = ts.do(http.MethodGet, "/api/v1/batches/batch_1718000000000_zzzzzzzzz/report", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(http.MethodGet, "/api/v1/batches/not-a-batch/report", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAccountStatus(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodGet, "/api/v1/accounts/cached/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "cache", body["source"])
	assert.Equal(t, float64(80), body["setup_progress"])

	w = ts.do(http.MethodGet, "/api/v1/accounts/stored/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "database", body["source"])
	assert.Equal(t, "timeout", body["batch_status"])
	assert.Equal(t, "operation exceeded 30 minute timeout", body["batch_error"])

	w = ts.do(http.MethodGet, "/api/v1/accounts/missing/status", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListBatchAccounts(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodGet, "/api/v1/batches/batch_1718000000000_abcdefghi/accounts", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["total"])
	accounts := body["accounts"].([]interface{})
	require.Len(t, accounts, 2)
	assert.Equal(t, "b-1", accounts[0].(map[string]interface{})["account_id"])
	assert.Equal(t, "b-2", accounts[1].(map[string]interface{})["account_id"])

	w = ts.do(http.MethodGet, "/api/v1/batches/batch_1718000000000_abcdefghi/accounts?status=failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, float64(1), body["total"])

	w = ts.do(http.MethodGet, "/api/v1/batches/batch_1718000000000_abcdefghi/accounts?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, "/api/v1/batches/not-a-batch/accounts", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminCleanup(t *testing.T) {
	ts := newTestServer()

	w := ts.do(http.MethodPost, "/api/v1/admin/cleanup", `{"batch_id":"batch_1_abc"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "batch_1_abc", ts.cleanup.batchID)
	assert.Equal(t, float64(2), decode(t, w)["timed_out_accounts"])

	w = ts.do(http.MethodPost, "/api/v1/admin/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ts.cleanup.batchID)

	w = ts.do(http.MethodGet, "/api/v1/admin/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(3), body["active_monitors"])
	assert.Equal(t, "success", body["last_cleanup_status"])
}
