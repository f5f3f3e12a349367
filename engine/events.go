package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/provider"
	"github.com/BaSui01/taskmesh/types"
)

type eventKind int

const (
	// evPool carries a completion, failure or requeue from a provider pool.
	evPool eventKind = iota
	// evRetryDue fires when a scheduled retry delay elapses.
	evRetryDue
	// evCancel requests workflow cancellation.
	evCancel
	// evKick requests a dispatch pass with no other state change.
	evKick
)

// event is the scheduler's unit of work. Pool events are applied
// idempotently keyed on task ID, so at-least-once delivery is safe.
type event struct {
	kind           eventKind
	pool           provider.TaskEvent
	workflowID     string
	taskID         string
	cancelInflight bool
}

// schedule is the single scheduler goroutine. Every workflow mutation runs
// here; a dispatch pass follows each applied event.
func (e *Engine) schedule() {
	defer e.wg.Done()
	for {
		ev, ok, err := e.events.Recv(e.runCtx)
		if err != nil || !ok {
			return
		}
		e.mu.Lock()
		switch ev.kind {
		case evPool:
			e.handlePoolEvent(ev.pool)
		case evRetryDue:
			e.handleRetryDue(ev.workflowID, ev.taskID)
		case evCancel:
			e.handleCancel(ev.workflowID, ev.cancelInflight)
		case evKick:
		}
		e.dispatchReady()
		e.mu.Unlock()
	}
}

// handlePoolEvent applies one execution outcome. Caller holds e.mu.
func (e *Engine) handlePoolEvent(ev provider.TaskEvent) {
	if ev.ProviderID != "" && ev.Kind != provider.EventRequeued {
		e.registry.UpdateLoad(ev.ProviderID, -1)
		e.registry.ReportOutcome(ev.ProviderID, ev.Kind == provider.EventCompleted, ev.Latency)
	}

	wf, ok := e.workflows[ev.WorkflowID]
	if !ok {
		e.logger.Debug("event for unknown workflow dropped", zap.String("workflow_id", ev.WorkflowID))
		return
	}
	task, ok := wf.Tasks[ev.TaskID]
	if !ok {
		e.logger.Warn("event for unknown task dropped", zap.String("task_id", ev.TaskID))
		return
	}
	if task.IsTerminal() {
		// Duplicate or late event; the first application won.
		return
	}

	switch ev.Kind {
	case provider.EventCompleted:
		e.applyCompletion(wf, task, ev)
	case provider.EventFailed:
		e.applyFailure(wf, task, ev.Err)
	case provider.EventRequeued:
		e.applyWorkerLoss(wf, task)
	}
}

// applyCompletion records a successful result, promotes newly ready
// dependents and finishes the workflow when it was the last task.
func (e *Engine) applyCompletion(wf *types.Workflow, task *types.Task, ev provider.TaskEvent) {
	now := time.Now()
	task.Status = types.TaskCompleted
	task.Result = ev.Result
	task.CompletedAt = &now
	task.UpdatedAt = now
	wf.Results[task.ID] = ev.Result
	wf.CompletedCount++
	wf.UpdatedAt = now

	promoted, err := e.queue.MarkCompleted(task.ID, ev.Result)
	if err != nil {
		e.logger.Warn("queue completion failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	e.persistTaskResult(task.ID, ev.Result, "")
	e.metrics.TaskCompleted(task.Protocol, ev.Latency)

	e.logger.Info("task completed",
		zap.String("workflow_id", wf.ID),
		zap.String("task_id", task.ID),
		zap.String("task", task.Name),
		zap.Duration("latency", ev.Latency),
		zap.Int("promoted", len(promoted)))

	if wf.CompletedCount == len(wf.Tasks) {
		e.finishWorkflow(wf, types.WorkflowCompleted)
		return
	}
	e.persistWorkflowStatus(wf)
}

// applyFailure schedules a retry when the policy allows it, otherwise marks
// the task permanently failed and the workflow failed. Completed sibling
// results are preserved either way.
func (e *Engine) applyFailure(wf *types.Workflow, task *types.Task, terr *types.Error) {
	now := time.Now()
	task.UpdatedAt = now
	msg := "execution failed"
	if terr != nil {
		msg = terr.Error()
	}

	if task.ShouldRetry() && types.IsRetryable(terr) {
		delay := retryDelay(task.Retry, task.Attempts)
		task.Status = types.TaskPending
		task.StartedAt = nil
		e.persistTaskStatus(task)
		e.metrics.TaskRetried(task.Protocol)

		e.logger.Warn("task failed, retry scheduled",
			zap.String("workflow_id", wf.ID),
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempts),
			zap.Int("max_attempts", task.Retry.MaxAttempts),
			zap.Duration("delay", delay),
			zap.String("error", msg))

		wfID, taskID := wf.ID, task.ID
		time.AfterFunc(delay, func() {
			_ = e.events.Send(context.Background(), event{kind: evRetryDue, workflowID: wfID, taskID: taskID})
		})
		return
	}

	task.Status = types.TaskFailed
	task.Error = msg
	task.CompletedAt = &now
	wf.FailedCount++
	wf.UpdatedAt = now

	if err := e.queue.MarkFailed(task.ID, msg); err != nil {
		e.logger.Warn("queue failure mark failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	e.persistTaskResult(task.ID, nil, msg)
	e.metrics.TaskFailed(task.Protocol, string(types.GetErrorCode(terr)))

	e.logger.Error("task failed permanently",
		zap.String("workflow_id", wf.ID),
		zap.String("task_id", task.ID),
		zap.String("task", task.Name),
		zap.Int("attempts", task.Attempts),
		zap.String("error", msg))

	if e.config.CascadeCancel {
		e.cancelBlockedDependents(wf, task.ID)
	}

	e.finishWorkflow(wf, types.WorkflowFailed)
}

// applyWorkerLoss returns an orphaned task to the ready queue after its
// worker crashed mid-execution. The attempt does not count against the retry
// budget because the task itself never failed.
func (e *Engine) applyWorkerLoss(wf *types.Workflow, task *types.Task) {
	if task.Attempts > 0 {
		task.Attempts--
	}
	task.Status = types.TaskQueued
	task.StartedAt = nil
	task.UpdatedAt = time.Now()
	if err := e.queue.Requeue(task.ID); err != nil {
		e.logger.Warn("requeue after worker loss failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	e.persistTaskStatus(task)
	e.logger.Warn("task requeued after worker loss",
		zap.String("workflow_id", wf.ID),
		zap.String("task_id", task.ID))
}

// handleRetryDue moves a task whose backoff elapsed back into the ready
// queue. Caller holds e.mu.
func (e *Engine) handleRetryDue(workflowID, taskID string) {
	wf, ok := e.workflows[workflowID]
	if !ok || wf.IsTerminal() {
		return
	}
	task, ok := wf.Tasks[taskID]
	if !ok || task.IsTerminal() {
		return
	}
	if err := e.queue.Requeue(taskID); err != nil {
		e.logger.Warn("retry requeue failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	task.Status = types.TaskQueued
	task.UpdatedAt = time.Now()
	e.persistTaskStatus(task)
	e.logger.Info("task requeued for retry",
		zap.String("workflow_id", workflowID),
		zap.String("task_id", taskID),
		zap.Int("attempt", task.Attempts+1))
}

// handleCancel cancels every non-terminal task of a workflow. Caller holds
// e.mu.
func (e *Engine) handleCancel(workflowID string, cancelInflight bool) {
	wf, ok := e.workflows[workflowID]
	if !ok || wf.IsTerminal() {
		return
	}
	now := time.Now()
	for _, task := range wf.Tasks {
		if task.IsTerminal() {
			continue
		}
		task.Status = types.TaskCancelled
		task.CompletedAt = &now
		task.UpdatedAt = now
		e.queue.MarkCancelled(task.ID)
		e.persistTaskStatus(task)
	}
	if cancelInflight {
		if cancel, ok := e.wfCancels[workflowID]; ok {
			cancel()
		}
	}
	wf.UpdatedAt = now
	e.finishWorkflow(wf, types.WorkflowCancelled)
	e.logger.Info("workflow cancelled",
		zap.String("workflow_id", workflowID),
		zap.Bool("cancel_inflight", cancelInflight))
}

// cancelBlockedDependents marks the transitive dependents of a failed task
// cancelled. Caller holds e.mu.
func (e *Engine) cancelBlockedDependents(wf *types.Workflow, failedID string) {
	now := time.Now()
	for _, depID := range e.queue.BlockedDependents(failedID) {
		task, ok := wf.Tasks[depID]
		if !ok || task.IsTerminal() {
			continue
		}
		task.Status = types.TaskCancelled
		task.CompletedAt = &now
		task.UpdatedAt = now
		e.queue.MarkCancelled(depID)
		e.persistTaskStatus(task)
		e.logger.Info("dependent cancelled after upstream failure",
			zap.String("workflow_id", wf.ID),
			zap.String("task_id", depID),
			zap.String("failed_dependency", failedID))
	}
}

// finishWorkflow moves a workflow into a terminal state. Caller holds e.mu.
func (e *Engine) finishWorkflow(wf *types.Workflow, status types.WorkflowStatus) {
	wf.Status = status
	wf.UpdatedAt = time.Now()
	e.persistWorkflowStatus(wf)
	e.metrics.WorkflowFinished(string(status))
	if cancel, ok := e.wfCancels[wf.ID]; ok && status != types.WorkflowCancelled {
		// Release the workflow context; late events are dropped idempotently.
		cancel()
	}
	e.logger.Info("workflow finished",
		zap.String("workflow_id", wf.ID),
		zap.String("status", string(status)),
		zap.Int("completed", wf.CompletedCount),
		zap.Int("failed", wf.FailedCount),
		zap.Int("total", len(wf.Tasks)))
}

func (e *Engine) persistTaskStatus(task *types.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.UpdateTaskStatus(ctx, task.ID, task.Status, task.Attempts); err != nil {
		e.logger.Warn("failed to persist task status",
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)),
			zap.Error(err))
	}
}

func (e *Engine) persistTaskResult(taskID string, result any, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.CompleteTask(ctx, taskID, result, errMsg); err != nil {
		e.logger.Warn("failed to persist task result", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (e *Engine) persistWorkflowStatus(wf *types.Workflow) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.UpdateWorkflowStatus(ctx, wf.ID, wf.Status, wf.CompletedCount, wf.FailedCount); err != nil {
		e.logger.Warn("failed to persist workflow status", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
}
