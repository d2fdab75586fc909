package geelark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/timmy/phonefarm/internal/domain"
)

// ErrTaskNotFound is returned when a task query does not include the task.
var ErrTaskNotFound = errors.New("task not found")

// TaskState is the remote task status. The API sends small integer codes but
// some endpoints and stored rows carry the symbolic name; both decode to the
// same value.
type TaskState int

const (
	TaskWaiting   TaskState = 1
	TaskRunning   TaskState = 2
	TaskCompleted TaskState = 3
	TaskFailed    TaskState = 4
	TaskCancelled TaskState = 7
)

var taskStateNames = map[string]TaskState{
	"pending":   TaskWaiting,
	"waiting":   TaskWaiting,
	"running":   TaskRunning,
	"completed": TaskCompleted,
	"failed":    TaskFailed,
	"cancelled": TaskCancelled,
	"canceled":  TaskCancelled,
}

// ParseTaskState accepts either the numeric code ("2") or the symbolic name ("running").
func ParseTaskState(s string) (TaskState, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if st, ok := taskStateNames[s]; ok {
		return st, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return TaskState(n), nil
	}
	return 0, fmt.Errorf("unknown task state %q", s)
}

func (s *TaskState) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		st, err := ParseTaskState(str)
		if err != nil {
			return err
		}
		*s = st
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = TaskState(n)
	return nil
}

// Status maps the remote code onto the local task status.
func (s TaskState) Status() domain.TaskStatus {
	switch s {
	case TaskCompleted:
		return domain.TaskStatusCompleted
	case TaskFailed:
		return domain.TaskStatusFailed
	case TaskCancelled:
		return domain.TaskStatusCancelled
	case TaskRunning:
		return domain.TaskStatusRunning
	default:
		return domain.TaskStatusPending
	}
}

// Active reports whether the task is still waiting or running.
func (s TaskState) Active() bool {
	return s == TaskWaiting || s == TaskRunning
}

// Task is one entry of a task query.
type Task struct {
	ID       string    `json:"id"`
	PlanName string    `json:"planName,omitempty"`
	Status   TaskState `json:"status"`
	FailCode int       `json:"failCode,omitempty"`
	FailDesc string    `json:"failDesc,omitempty"`
	Cost     int       `json:"cost,omitempty"`
}

type taskQueryResponse struct {
	Total int    `json:"total"`
	Items []Task `json:"items"`
}

// QueryTasks returns the current state of the given tasks.
func (c *Client) QueryTasks(ctx context.Context, ids []string) ([]Task, error) {
	var out taskQueryResponse
	if err := c.post(ctx, "/open/v1/task/query", idsRequest{IDs: ids}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetTaskStatus returns the state of a single task.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (*Task, error) {
	tasks, err := c.QueryTasks(ctx, []string{taskID})
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].ID == taskID {
			return &tasks[i], nil
		}
	}
	if len(tasks) > 0 {
		return &tasks[0], nil
	}
	return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
}

// RPATask describes a custom flow run on a phone.
type RPATask struct {
	Name       string
	Remark     string
	ScheduleAt int64
	PhoneID    string
	FlowID     string
	Params     map[string]interface{}
}

type rpaAddRequest struct {
	Name       string                 `json:"name"`
	Remark     string                 `json:"remark"`
	ScheduleAt int64                  `json:"scheduleAt"`
	ID         string                 `json:"id"`
	FlowID     string                 `json:"flowId"`
	ParamMap   map[string]interface{} `json:"paramMap"`
}

// CreateRPATask schedules a custom flow and returns the remote task id.
func (c *Client) CreateRPATask(ctx context.Context, task RPATask) (string, error) {
	scheduleAt := task.ScheduleAt
	if scheduleAt == 0 {
		scheduleAt = c.now().Unix()
	}
	var out struct {
		TaskID string `json:"taskId"`
	}
	err := c.post(ctx, "/open/v1/task/rpa/add", rpaAddRequest{
		Name:       task.Name,
		Remark:     task.Remark,
		ScheduleAt: scheduleAt,
		ID:         task.PhoneID,
		FlowID:     task.FlowID,
		ParamMap:   task.Params,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("GeeLark returned no task id for flow %s", task.FlowID)
	}
	return out.TaskID, nil
}
