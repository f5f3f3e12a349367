package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// dispatchReady drains the ready queue, matching each task to the best
// provider. Tasks that cannot run yet (no provider, pool saturated, or a
// parameter reference whose target has not completed) are parked back in the
// queue; the next pass runs when an event or an availability signal arrives,
// never on a poll loop. Caller holds e.mu.
func (e *Engine) dispatchReady() {
	var deferred []*types.Task

	for {
		task := e.queue.DequeueReady()
		if task == nil {
			break
		}
		wf, ok := e.workflows[task.WorkflowID]
		if !ok || wf.IsTerminal() {
			continue
		}

		resolved, complete := e.resolver.Resolve(task.ID, task.Params, wf.Results)
		if !complete {
			// A reference targets a task that has not completed. Never
			// dispatch half-substituted parameters.
			deferred = append(deferred, task)
			continue
		}

		info, err := e.registry.Select(task.Protocol, task.Method)
		if err != nil {
			e.logger.Debug("no provider available",
				zap.String("task_id", task.ID),
				zap.String("protocol", task.Protocol),
				zap.String("method", task.Method))
			deferred = append(deferred, task)
			continue
		}
		pool, ok := e.pools[task.Protocol]
		if !ok {
			e.logger.Error("no pool registered for protocol",
				zap.String("task_id", task.ID),
				zap.String("protocol", task.Protocol))
			deferred = append(deferred, task)
			continue
		}

		now := time.Now()
		task.Attempts++
		task.Status = types.TaskAssigned
		task.StartedAt = &now
		task.UpdatedAt = now

		// The pool receives a copy carrying resolved parameters; the
		// original keeps its references so a retry re-resolves them.
		run := *task
		run.Params = resolved

		if err := pool.Dispatch(e.wfCtxs[wf.ID], &run, info.ID); err != nil {
			task.Attempts--
			task.Status = types.TaskQueued
			task.StartedAt = nil
			code := types.GetErrorCode(err)
			if code != types.ErrCodeWorkerUnavailable && code != types.ErrCodeResourceExhausted {
				e.logger.Error("dispatch failed",
					zap.String("task_id", task.ID),
					zap.Error(err))
			}
			deferred = append(deferred, task)
			continue
		}

		e.registry.UpdateLoad(info.ID, +1)
		e.persistTaskStatus(task)
		e.metrics.TaskDispatched(task.Protocol)

		e.logger.Info("task dispatched",
			zap.String("workflow_id", wf.ID),
			zap.String("task_id", task.ID),
			zap.String("task", task.Name),
			zap.String("provider_id", info.ID),
			zap.String("priority", string(task.Priority)),
			zap.Int("attempt", task.Attempts))
	}

	for _, t := range deferred {
		if err := e.queue.Requeue(t.ID); err != nil {
			e.logger.Warn("failed to park task", zap.String("task_id", t.ID), zap.Error(err))
		}
	}

	for priority, n := range e.queue.ReadyCount() {
		e.metrics.SetQueueDepth(string(priority), n)
	}
}
