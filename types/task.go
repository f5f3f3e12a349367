package types

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending indicates the task is registered but has unsatisfied dependencies.
	TaskPending TaskStatus = "pending"

	// TaskQueued indicates every dependency completed and the task is ready for dispatch.
	TaskQueued TaskStatus = "queued"

	// TaskAssigned indicates a worker claimed the task and is executing it.
	TaskAssigned TaskStatus = "assigned"

	// TaskCompleted indicates the task finished successfully.
	TaskCompleted TaskStatus = "completed"

	// TaskFailed indicates the task exhausted its retry budget.
	TaskFailed TaskStatus = "failed"

	// TaskCancelled indicates the task was cancelled before completion.
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Priority orders tasks within the ready queue.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists all priorities from most to least urgent. The queue
// iterates this slice when popping the highest non-empty bucket.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// RetryPolicy configures per-task retry behavior with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of execution attempts (1 = no retry).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// Multiplier is the exponential growth factor between retries.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Jitter adds random variance to delays to avoid retry storms.
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns the policy applied to tasks that declare none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Task is a unit of work with declared dependencies, routed to one provider.
// A Task belongs to exactly one Workflow; dependency IDs must resolve within
// the same workflow.
type Task struct {
	// ID is unique within the owning workflow.
	ID string `json:"id"`

	// WorkflowID is a back-reference to the owning workflow.
	WorkflowID string `json:"workflow_id"`

	// Name is the human-readable task name used in definitions and cycle reports.
	Name string `json:"name"`

	// Protocol selects the provider family (e.g. "llm", "coderunner", "mcp").
	Protocol string `json:"protocol"`

	// Method is the operation to invoke on the provider.
	Method string `json:"method"`

	// Params is the nested parameter bag. String leaves may have been parsed
	// into resolver references at definition-load time.
	Params map[string]any `json:"params,omitempty"`

	// DependsOn lists the IDs of tasks that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Priority orders the task among ready tasks.
	Priority Priority `json:"priority"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// Retry configures the retry policy for execution failures.
	Retry RetryPolicy `json:"retry"`

	// Attempts counts execution attempts so far.
	Attempts int `json:"attempts"`

	// Timeout is the hard per-execution deadline (0 = engine default).
	Timeout time.Duration `json:"timeout,omitempty"`

	// Result holds the provider output once completed.
	Result any `json:"result,omitempty"`

	// Error holds the terminal error message once failed.
	Error string `json:"error,omitempty"`

	// Metadata stores additional task information.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the task reached a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// HasDependencies reports whether the task declares any dependencies.
func (t *Task) HasDependencies() bool {
	return len(t.DependsOn) > 0
}

// ShouldRetry reports whether another attempt is allowed by the retry policy.
func (t *Task) ShouldRetry() bool {
	max := t.Retry.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return t.Attempts < max
}

// MarshalJSON encodes Timeout as a duration string for readability in stores.
func (t *Task) MarshalJSON() ([]byte, error) {
	type alias Task
	return json.Marshal(&struct {
		*alias
		Timeout string `json:"timeout,omitempty"`
	}{
		alias:   (*alias)(t),
		Timeout: t.Timeout.String(),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (t *Task) UnmarshalJSON(data []byte) error {
	type alias Task
	aux := &struct {
		*alias
		Timeout string `json:"timeout,omitempty"`
	}{alias: (*alias)(t)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return err
		}
		t.Timeout = d
	}
	return nil
}
