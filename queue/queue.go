// Package queue implements the priority-ordered holding area for workflow
// tasks. A task moves from pending to queued exactly once every one of its
// dependencies has completed; completing a task promotes exactly the
// dependents whose entire dependency set is now satisfied.
package queue

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// TaskQueue holds the tasks of all active workflows, bucketed by priority.
// The engine's scheduler goroutine is the only writer, but the queue guards
// its state with a mutex so stats and tests can read it concurrently.
type TaskQueue struct {
	mu sync.Mutex

	// buckets holds the ready task IDs per priority, FIFO within a bucket.
	buckets map[types.Priority][]string

	// tasks indexes every registered task by ID.
	tasks map[string]*types.Task

	// dependents is the reverse dependency index: task ID -> IDs waiting on it.
	dependents map[string][]string

	// completed and failed record terminal outcomes for readiness checks.
	completed map[string]bool
	failed    map[string]bool

	logger *zap.Logger
}

// New creates an empty TaskQueue.
func New(logger *zap.Logger) *TaskQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &TaskQueue{
		buckets:    make(map[types.Priority][]string),
		tasks:      make(map[string]*types.Task),
		dependents: make(map[string][]string),
		completed:  make(map[string]bool),
		failed:     make(map[string]bool),
		logger:     logger.With(zap.String("component", "task_queue")),
	}
	for _, p := range types.Priorities {
		q.buckets[p] = nil
	}
	return q
}

// Enqueue registers a task and promotes it immediately when its dependency
// set is already satisfied. Batch submission order does not matter: a task
// whose dependencies completed before it was enqueued becomes ready at once.
func (q *TaskQueue) Enqueue(task *types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.ID == "" {
		return types.NewError(types.ErrCodeValidation, "task id must not be empty")
	}
	if _, exists := q.tasks[task.ID]; exists {
		return types.NewError(types.ErrCodeValidation,
			fmt.Sprintf("task %q already enqueued", task.ID))
	}
	if !task.Priority.Valid() {
		task.Priority = types.PriorityNormal
	}

	q.tasks[task.ID] = task
	for _, dep := range task.DependsOn {
		q.dependents[dep] = append(q.dependents[dep], task.ID)
	}

	if q.depsSatisfied(task) {
		q.promote(task)
	} else {
		task.Status = types.TaskPending
	}
	return nil
}

// DequeueReady pops the highest-priority ready task, or nil when no task is
// ready. Readiness is re-verified before returning: a dependency may have
// failed since the task was promoted, in which case the task is dropped back
// to pending and the next candidate is considered.
func (q *TaskQueue) DequeueReady() *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range types.Priorities {
		for len(q.buckets[p]) > 0 {
			id := q.buckets[p][0]
			q.buckets[p] = q.buckets[p][1:]

			task, ok := q.tasks[id]
			if !ok || task.Status != types.TaskQueued {
				continue
			}
			if q.anyDepFailed(task) {
				task.Status = types.TaskPending
				q.logger.Debug("task blocked by failed dependency",
					zap.String("task_id", id))
				continue
			}
			if !q.depsSatisfied(task) {
				task.Status = types.TaskPending
				continue
			}
			return task
		}
	}
	return nil
}

// MarkCompleted transitions a task to completed and returns the IDs of the
// dependents promoted to queued: exactly those whose entire dependency set
// is now satisfied, never a superset.
func (q *TaskQueue) MarkCompleted(id string, result any) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound,
			fmt.Sprintf("task %q not registered", id)).WithTaskID(id)
	}
	task.Status = types.TaskCompleted
	task.Result = result
	q.completed[id] = true

	var promoted []string
	for _, depID := range q.dependents[id] {
		dep, ok := q.tasks[depID]
		if !ok || dep.Status != types.TaskPending {
			continue
		}
		if q.depsSatisfied(dep) && !q.anyDepFailed(dep) {
			q.promote(dep)
			promoted = append(promoted, depID)
		}
	}

	q.logger.Debug("task completed",
		zap.String("task_id", id),
		zap.Strings("promoted", promoted))
	return promoted, nil
}

// MarkFailed transitions a task to failed. Dependents stay blocked; whether
// they are later cancelled is the engine's cascade decision, not the queue's.
func (q *TaskQueue) MarkFailed(id string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return types.NewError(types.ErrCodeNotFound,
			fmt.Sprintf("task %q not registered", id)).WithTaskID(id)
	}
	task.Status = types.TaskFailed
	task.Error = errMsg
	q.failed[id] = true

	q.logger.Debug("task failed", zap.String("task_id", id), zap.String("error", errMsg))
	return nil
}

// MarkCancelled transitions a task to cancelled without promoting dependents.
func (q *TaskQueue) MarkCancelled(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.tasks[id]; ok {
		task.Status = types.TaskCancelled
	}
}

// Requeue puts an already-registered task back into its priority bucket,
// e.g. after a worker crash or a scheduled retry. The task must not be
// terminal.
func (q *TaskQueue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return types.NewError(types.ErrCodeNotFound,
			fmt.Sprintf("task %q not registered", id)).WithTaskID(id)
	}
	if task.IsTerminal() {
		return types.NewError(types.ErrCodeInvalidTransition,
			fmt.Sprintf("task %q is terminal", id)).WithTaskID(id)
	}
	q.promote(task)
	return nil
}

// Evict removes a finished workflow's tasks from all bookkeeping. Terminal
// outcomes are only consulted for readiness within the owning workflow, and
// dependencies never cross workflows, so evicting a workflow's complete task
// set leaves no dangling index entries.
func (q *TaskQueue) Evict(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
		delete(q.tasks, id)
		delete(q.dependents, id)
		delete(q.completed, id)
		delete(q.failed, id)
	}
	for p, bucket := range q.buckets {
		kept := bucket[:0]
		for _, id := range bucket {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		q.buckets[p] = kept
	}
}

// SeedCompleted records a prior completion during recovery so readiness
// checks see it without re-registering the task itself.
func (q *TaskQueue) SeedCompleted(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[id] = true
}

// SeedFailed records a prior failure during recovery.
func (q *TaskQueue) SeedFailed(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = true
}

// BlockedDependents returns the transitive closure of tasks that can never
// become ready because the given task failed or was cancelled.
func (q *TaskQueue) BlockedDependents(id string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []string
	seen := map[string]bool{id: true}
	frontier := []string{id}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, depID := range q.dependents[next] {
			if seen[depID] {
				continue
			}
			seen[depID] = true
			if t, ok := q.tasks[depID]; ok && !t.IsTerminal() {
				out = append(out, depID)
				frontier = append(frontier, depID)
			}
		}
	}
	return out
}

// Task returns a registered task by ID.
func (q *TaskQueue) Task(id string) (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	return t, ok
}

// ReadyCount returns the number of queued tasks per priority.
func (q *TaskQueue) ReadyCount() map[types.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[types.Priority]int, len(q.buckets))
	for p, bucket := range q.buckets {
		counts[p] = len(bucket)
	}
	return counts
}

// Len returns the total number of registered, non-terminal tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if !t.IsTerminal() {
			n++
		}
	}
	return n
}

// promote moves a task into its ready bucket. Caller holds q.mu.
func (q *TaskQueue) promote(task *types.Task) {
	task.Status = types.TaskQueued
	q.buckets[task.Priority] = append(q.buckets[task.Priority], task.ID)
}

// depsSatisfied reports whether every dependency completed. Caller holds q.mu.
func (q *TaskQueue) depsSatisfied(task *types.Task) bool {
	for _, dep := range task.DependsOn {
		if !q.completed[dep] {
			return false
		}
	}
	return true
}

// anyDepFailed reports whether any dependency failed. Caller holds q.mu.
func (q *TaskQueue) anyDepFailed(task *types.Task) bool {
	for _, dep := range task.DependsOn {
		if q.failed[dep] {
			return true
		}
	}
	return false
}
