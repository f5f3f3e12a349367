package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// Resume reloads an interrupted workflow from the store and continues it
// from where it stopped: completed tasks keep their results, tasks that were
// in flight when the coordinator died are re-dispatched, and dependency
// bookkeeping is rebuilt from the persisted statuses. Resuming a workflow
// that is already live or already finished is a no-op, so Resume is safe to
// call repeatedly.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	e.mu.RLock()
	_, live := e.workflows[workflowID]
	e.mu.RUnlock()
	if live {
		return nil
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return types.NewError(types.ErrCodeNotFound,
			fmt.Sprintf("workflow %s not found in store", workflowID)).WithCause(err)
	}
	if wf.IsTerminal() {
		e.logger.Debug("resume skipped, workflow already terminal",
			zap.String("workflow_id", workflowID),
			zap.String("status", string(wf.Status)))
		return nil
	}

	e.mu.Lock()
	if _, exists := e.workflows[workflowID]; exists {
		e.mu.Unlock()
		return nil
	}
	e.track(wf)

	// Seed terminal outcomes first so readiness checks during enqueue see
	// completed dependencies.
	var completed, requeued int
	for _, task := range wf.Tasks {
		switch task.Status {
		case types.TaskCompleted:
			e.queue.SeedCompleted(task.ID)
			completed++
		case types.TaskFailed:
			e.queue.SeedFailed(task.ID)
		}
	}
	for _, task := range wf.Tasks {
		if task.IsTerminal() {
			continue
		}
		if task.Status == types.TaskAssigned {
			// In flight at crash time. Completion application is idempotent
			// on task ID, so re-running is safe.
			if task.Attempts > 0 {
				task.Attempts--
			}
			task.StartedAt = nil
		}
		task.Status = types.TaskPending
		if err := e.queue.Enqueue(task); err != nil {
			e.logger.Error("resume enqueue failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		requeued++
	}
	if requeued == 0 && wf.AllTerminal() {
		// Every task finished before the crash but the final status write
		// never landed. Finalize instead of leaving the workflow running.
		status := types.WorkflowCompleted
		if wf.FailedCount > 0 {
			status = types.WorkflowFailed
		} else if wf.CompletedCount < len(wf.Tasks) {
			status = types.WorkflowCancelled
		}
		e.finishWorkflow(wf, status)
		e.mu.Unlock()
		return nil
	}

	wf.Status = types.WorkflowRunning
	wf.UpdatedAt = time.Now()
	e.mu.Unlock()

	if err := e.store.UpdateWorkflowStatus(ctx, wf.ID, types.WorkflowRunning, wf.CompletedCount, wf.FailedCount); err != nil {
		e.logger.Warn("failed to persist resumed workflow status",
			zap.String("workflow_id", wf.ID), zap.Error(err))
	}

	e.logger.Info("workflow resumed",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("completed", completed),
		zap.Int("requeued", requeued))

	return e.kick()
}

// ResumeAll resumes every non-terminal workflow found in the store and
// returns the IDs it picked up. Individual failures are logged and skipped
// so one corrupt record cannot block recovery of the rest.
func (e *Engine) ResumeAll(ctx context.Context) ([]string, error) {
	summaries, err := e.store.ListResumableWorkflows(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrCodeInternal, "failed to list resumable workflows").WithCause(err)
	}
	resumed := make([]string, 0, len(summaries))
	for _, s := range summaries {
		if err := e.Resume(ctx, s.ID); err != nil {
			e.logger.Error("resume failed",
				zap.String("workflow_id", s.ID),
				zap.String("name", s.Name),
				zap.Error(err))
			continue
		}
		resumed = append(resumed, s.ID)
	}
	return resumed, nil
}

// ListResumable reports the workflows the store considers interrupted,
// without resuming them.
func (e *Engine) ListResumable(ctx context.Context) ([]string, error) {
	summaries, err := e.store.ListResumableWorkflows(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrCodeInternal, "failed to list resumable workflows").WithCause(err)
	}
	ids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		ids = append(ids, s.ID)
	}
	return ids, nil
}
