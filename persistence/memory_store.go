package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/taskmesh/types"
)

// MemoryStore is the in-memory Store used in tests and development. Data
// does not survive a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*types.Task
	workflows map[string]*types.Workflow
	closed    bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*types.Task),
		workflows: make(map[string]*types.Workflow),
	}
}

func (s *MemoryStore) PutTask(_ context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("task %q not found", id))
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTaskStatus(_ context.Context, id string, status types.TaskStatus, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("task %q not found", id))
	}
	t.Status = status
	t.Attempts = attempts
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CompleteTask(_ context.Context, id string, result any, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("task %q not found", id))
	}
	now := time.Now()
	if errMsg != "" {
		t.Status = types.TaskFailed
		t.Error = errMsg
	} else {
		t.Status = types.TaskCompleted
		t.Result = result
	}
	t.UpdatedAt = now
	t.CompletedAt = &now
	return nil
}

func (s *MemoryStore) PutWorkflow(ctx context.Context, wf *types.Workflow) error {
	s.mu.Lock()
	cp := *wf
	cp.Tasks = make(map[string]*types.Task, len(wf.Tasks))
	cp.Results = make(map[string]any, len(wf.Results))
	for k, v := range wf.Results {
		cp.Results[k] = v
	}
	s.workflows[wf.ID] = &cp
	s.mu.Unlock()

	for _, t := range wf.Tasks {
		if err := s.PutTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("workflow %q not found", id))
	}
	out := *wf
	out.Tasks = make(map[string]*types.Task)
	out.Results = make(map[string]any)
	for tid, t := range s.tasks {
		if t.WorkflowID == id {
			cp := *t
			out.Tasks[tid] = &cp
			if t.Status == types.TaskCompleted {
				out.Results[tid] = t.Result
			}
		}
	}
	return &out, nil
}

func (s *MemoryStore) UpdateWorkflowStatus(_ context.Context, id string, status types.WorkflowStatus, completed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("workflow %q not found", id))
	}
	wf.Status = status
	wf.CompletedCount = completed
	wf.FailedCount = failed
	wf.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListIncompleteTasks(_ context.Context, workflowID string) ([]TaskRecovery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TaskRecovery
	for _, t := range s.tasks {
		if t.WorkflowID == workflowID && !t.IsTerminal() {
			out = append(out, TaskRecovery{
				ID:           t.ID,
				Name:         t.Name,
				Dependencies: append([]string(nil), t.DependsOn...),
				CanResume:    true,
			})
		}
	}
	return out, nil
}

func (s *MemoryStore) ListResumableWorkflows(_ context.Context) ([]WorkflowSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []WorkflowSummary
	for id, wf := range s.workflows {
		if wf.Status.IsTerminal() {
			continue
		}
		total, completed := 0, 0
		for _, t := range s.tasks {
			if t.WorkflowID != id {
				continue
			}
			total++
			if t.Status == types.TaskCompleted {
				completed++
			}
		}
		out = append(out, WorkflowSummary{ID: id, Name: wf.Name, Completed: completed, Total: total})
	}
	return out, nil
}

func (s *MemoryStore) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, wf := range s.workflows {
		if wf.Status.IsTerminal() && wf.UpdatedAt.Before(cutoff) {
			delete(s.workflows, id)
			for tid, t := range s.tasks {
				if t.WorkflowID == id {
					delete(s.tasks, tid)
				}
			}
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.NewError(types.ErrCodeInternal, "store closed")
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
