package types

import (
	"fmt"
	"time"
)

// WorkflowStatus represents the aggregate lifecycle state of a workflow.
type WorkflowStatus string

const (
	// WorkflowPending indicates the workflow was created but not yet started.
	WorkflowPending WorkflowStatus = "pending"

	// WorkflowRunning indicates tasks are being scheduled and executed.
	WorkflowRunning WorkflowStatus = "running"

	// WorkflowCompleted indicates every task completed successfully.
	WorkflowCompleted WorkflowStatus = "completed"

	// WorkflowFailed indicates at least one task exhausted its retries.
	WorkflowFailed WorkflowStatus = "failed"

	// WorkflowCancelled indicates the workflow was cancelled by request.
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal returns true if the status is a terminal state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// Workflow is a named task graph sharing a completion lifecycle and result
// namespace. A workflow owns its tasks exclusively; all mutation goes through
// the engine's scheduler goroutine.
type Workflow struct {
	// ID uniquely identifies the workflow.
	ID string `json:"id"`

	// Name is the human-readable workflow name.
	Name string `json:"name"`

	// Tasks maps task ID to task. Task IDs are unique within the workflow.
	Tasks map[string]*Task `json:"tasks"`

	// Status is the aggregate workflow state.
	Status WorkflowStatus `json:"status"`

	// Results maps task ID to the task's produced result. Results of
	// completed tasks survive workflow failure and remain queryable.
	Results map[string]any `json:"results,omitempty"`

	// CompletedCount and FailedCount track terminal task tallies.
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`

	// Metadata stores additional workflow information.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkflow creates an empty workflow in the pending state.
func NewWorkflow(id, name string) *Workflow {
	now := time.Now()
	return &Workflow{
		ID:        id,
		Name:      name,
		Tasks:     make(map[string]*Task),
		Status:    WorkflowPending,
		Results:   make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddTask registers a task, enforcing ID uniqueness and ownership.
func (w *Workflow) AddTask(t *Task) error {
	if t.ID == "" {
		return NewError(ErrCodeValidation, "task id must not be empty")
	}
	if _, exists := w.Tasks[t.ID]; exists {
		return NewError(ErrCodeValidation, fmt.Sprintf("duplicate task id %q", t.ID))
	}
	t.WorkflowID = w.ID
	w.Tasks[t.ID] = t
	w.UpdatedAt = time.Now()
	return nil
}

// Task returns the task with the given ID.
func (w *Workflow) Task(id string) (*Task, bool) {
	t, ok := w.Tasks[id]
	return t, ok
}

// AllTerminal reports whether every task reached a terminal state.
func (w *Workflow) AllTerminal() bool {
	for _, t := range w.Tasks {
		if !t.IsTerminal() {
			return false
		}
	}
	return true
}

// IsTerminal returns true if the workflow reached a terminal state.
func (w *Workflow) IsTerminal() bool {
	return w.Status.IsTerminal()
}
