package geelark

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/phonefarm/internal/config"
	"github.com/timmy/phonefarm/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&config.GeeLarkConfig{
		BaseURL: srv.URL,
		AppID:   "app-1",
		APIKey:  "key-1",
		Timeout: 5 * time.Second,
	})
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": code, "msg": msg, "data": data})
}

func TestSign(t *testing.T) {
	// sha256("abcdef") upper-cased
	got := Sign("a", "b", "c", "d", "ef")
	assert.Equal(t, "BEF57EC7F53A6D40BEB640A780A639C83BC29AC8A9816F1FC6C5C6DCD93C4721", got)
}

func TestClient_SignsRequests(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("traceId")
		nonce := r.Header.Get("nonce")
		ts := r.Header.Get("ts")

		assert.Equal(t, "app-1", r.Header.Get("appId"))
		require.Len(t, traceID, 36)
		assert.Equal(t, traceID[:6], nonce)
		assert.Equal(t, Sign("app-1", traceID, ts, nonce, "key-1"), r.Header.Get("sign"))
		assert.Equal(t, "/open/v1/phone/start", r.URL.Path)

		var body idsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"p1"}, body.IDs)

		writeEnvelope(w, 0, "success", map[string]interface{}{
			"totalAmount":    1,
			"successAmount":  1,
			"successDetails": []map[string]interface{}{{"id": "p1", "url": "https://x"}},
		})
	})

	res, err := client.StartPhones(context.Background(), []string{"p1"})
	require.NoError(t, err)
	d, ok := res.Success("p1")
	require.True(t, ok)
	assert.Equal(t, "https://x", d.URL)
	_, failed := res.Failure("p1")
	assert.False(t, failed)
}

func TestClient_NonZeroCodeIsAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 40005, "invalid sign", nil)
	})

	_, err := client.StopPhones(context.Background(), []string{"p1"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 40005, apiErr.Code)
	assert.Equal(t, "/open/v1/phone/stop", apiErr.Endpoint)
	assert.Contains(t, err.Error(), "invalid sign")
}

func TestClient_IsAppInstalled(t *testing.T) {
	tests := []struct {
		name   string
		items  []map[string]interface{}
		expect bool
	}{
		{
			name:   "installed",
			items:  []map[string]interface{}{{"packageName": "com.zhiliaoapp.musically", "installStatus": 1}},
			expect: true,
		},
		{
			name:   "still installing",
			items:  []map[string]interface{}{{"packageName": "com.zhiliaoapp.musically", "installStatus": 0}},
			expect: false,
		},
		{
			name:   "other app",
			items:  []map[string]interface{}{{"packageName": "com.other", "installStatus": 1}},
			expect: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/open/v1/app/list", r.URL.Path)
				writeEnvelope(w, 0, "success", map[string]interface{}{"total": len(tt.items), "items": tt.items})
			})
			ok, err := client.IsAppInstalled(context.Background(), "p1", "com.zhiliaoapp.musically")
			require.NoError(t, err)
			assert.Equal(t, tt.expect, ok)
		})
	}
}

func TestClient_CreateRPATask(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body rpaAddRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "p1", body.ID)
		assert.Equal(t, "568610393463722230", body.FlowID)
		assert.Equal(t, "acct-1", body.ParamMap["accountId"])
		assert.NotZero(t, body.ScheduleAt)
		writeEnvelope(w, 0, "success", map[string]string{"taskId": "task-9"})
	})

	id, err := client.CreateRPATask(context.Background(), RPATask{
		Name:    "login",
		PhoneID: "p1",
		FlowID:  "568610393463722230",
		Params:  map[string]interface{}{"accountId": "acct-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-9", id)
}

func TestClient_GetTaskStatus_NumericAndSymbolic(t *testing.T) {
	tests := []struct {
		name   string
		status interface{}
		expect domain.TaskStatus
		state  TaskState
	}{
		{"numeric running", 2, domain.TaskStatusRunning, TaskRunning},
		{"symbolic running", "running", domain.TaskStatusRunning, TaskRunning},
		{"numeric failed", 4, domain.TaskStatusFailed, TaskFailed},
		{"symbolic failed", "failed", domain.TaskStatusFailed, TaskFailed},
		{"numeric string", "3", domain.TaskStatusCompleted, TaskCompleted},
		{"cancelled", 7, domain.TaskStatusCancelled, TaskCancelled},
		{"waiting", 1, domain.TaskStatusPending, TaskWaiting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, 0, "success", map[string]interface{}{
					"total": 1,
					"items": []map[string]interface{}{{"id": "t1", "status": tt.status, "failDesc": "x"}},
				})
			})
			task, err := client.GetTaskStatus(context.Background(), "t1")
			require.NoError(t, err)
			assert.Equal(t, tt.state, task.Status)
			assert.Equal(t, tt.expect, task.Status.Status())
		})
	}
}

func TestClient_GetTaskStatus_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "success", map[string]interface{}{"total": 0, "items": []interface{}{}})
	})
	_, err := client.GetTaskStatus(context.Background(), "t1")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

type fakeStatus struct {
	calls   int32
	results []*PhoneBatchResult
	errs    []error
}

func (f *fakeStatus) GetPhoneStatus(ctx context.Context, ids []string) (*PhoneBatchResult, error) {
	i := int(atomic.AddInt32(&f.calls, 1)) - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.results[i], err
}

func started(status PhoneStatus) *PhoneBatchResult {
	return &PhoneBatchResult{SuccessDetails: []PhoneDetail{{ID: "p1", Status: status}}}
}

func TestWaiter_WaitUntilReady(t *testing.T) {
	var slept []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	fake := &fakeStatus{
		results: []*PhoneBatchResult{started(PhoneStarting), nil, started(PhoneStarted)},
		errs:    []error{nil, errors.New("network"), nil},
	}
	w := NewWaiter(fake, 5, 2*time.Second, 5*time.Second, WithSleep(sleep))

	require.NoError(t, w.WaitUntilReady(context.Background(), "p1"))
	assert.EqualValues(t, 3, fake.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 5 * time.Second}, slept)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))
	assert.NoError(t, SleepContext(context.Background(), 0))
	assert.NoError(t, SleepContext(context.Background(), -time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, SleepContext(ctx, 0), context.Canceled)
}

func TestWaiter_TerminalStates(t *testing.T) {
	noSleep := WithSleep(func(ctx context.Context, d time.Duration) error { return nil })

	t.Run("expired", func(t *testing.T) {
		fake := &fakeStatus{results: []*PhoneBatchResult{started(PhoneExpired)}}
		err := NewWaiter(fake, 10, time.Second, 0, noSleep).WaitUntilReady(context.Background(), "p1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expired")
		assert.EqualValues(t, 1, fake.calls)
	})

	t.Run("unknown phone", func(t *testing.T) {
		fake := &fakeStatus{results: []*PhoneBatchResult{{
			FailDetails: []PhoneDetail{{ID: "p1", Code: CodePhoneNotFound, Msg: "not exist"}},
		}}}
		err := NewWaiter(fake, 10, time.Second, 0, noSleep).WaitUntilReady(context.Background(), "p1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "42001")
		assert.EqualValues(t, 1, fake.calls)
	})

	t.Run("never starts", func(t *testing.T) {
		fake := &fakeStatus{results: []*PhoneBatchResult{started(PhoneStarting)}}
		err := NewWaiter(fake, 3, 2*time.Second, 0, noSleep).WaitUntilReady(context.Background(), "p1")
		require.Error(t, err)
		assert.Equal(t, "phone p1 did not start within 6 seconds", err.Error())
		assert.EqualValues(t, 3, fake.calls)
	})
}
