// Package engine implements the workflow coordinator: it validates submitted
// task graphs, feeds ready tasks to provider pools, applies completion and
// failure events from a single scheduler goroutine, schedules retries with
// exponential backoff, and recovers interrupted workflows from the store.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/graph"
	"github.com/BaSui01/taskmesh/internal/channel"
	"github.com/BaSui01/taskmesh/internal/metrics"
	"github.com/BaSui01/taskmesh/persistence"
	"github.com/BaSui01/taskmesh/provider"
	"github.com/BaSui01/taskmesh/queue"
	"github.com/BaSui01/taskmesh/registry"
	"github.com/BaSui01/taskmesh/resolver"
	"github.com/BaSui01/taskmesh/types"
)

// Config tunes engine behavior.
type Config struct {
	// DefaultTimeout bounds task executions that declare no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// DefaultRetry applies to tasks that declare no retry policy.
	DefaultRetry types.RetryPolicy `yaml:"default_retry" json:"default_retry"`

	// CascadeCancel cancels the blocked dependents of a permanently failed
	// task instead of leaving them pending.
	CascadeCancel bool `yaml:"cascade_cancel" json:"cascade_cancel"`

	// Events sizes the internal event queue.
	Events channel.Config `yaml:"events" json:"events"`

	// Retention is how long terminal workflows stay in the store before the
	// archival sweep removes them. Zero disables the sweep.
	Retention time.Duration `yaml:"retention" json:"retention"`

	// SweepInterval is how often the archival sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Minute,
		DefaultRetry:   types.DefaultRetryPolicy(),
		Events:         channel.DefaultConfig(),
		Retention:      7 * 24 * time.Hour,
		SweepInterval:  time.Hour,
	}
}

// Engine coordinates workflows end to end. All workflow and task mutation
// happens on one scheduler goroutine; public methods communicate with it
// through the event queue and take snapshots under the engine lock.
type Engine struct {
	config   Config
	queue    *queue.TaskQueue
	registry *registry.Registry
	store    persistence.Store
	resolver *resolver.Resolver
	metrics  *metrics.Collector
	logger   *zap.Logger

	events *channel.Tunable[event]

	mu        sync.RWMutex
	pools     map[string]*provider.Pool
	workflows map[string]*types.Workflow
	wfCancels map[string]context.CancelFunc
	wfCtxs    map[string]context.Context

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	stopped   atomic.Bool
}

// New creates an engine. metrics may be nil.
func New(config Config, store persistence.Store, reg *registry.Registry, collector *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.DefaultRetry.MaxAttempts <= 0 {
		config.DefaultRetry = types.DefaultRetryPolicy()
	}
	return &Engine{
		config:    config,
		queue:     queue.New(logger),
		registry:  reg,
		store:     store,
		resolver:  resolver.New(logger),
		metrics:   collector,
		logger:    logger.With(zap.String("component", "engine")),
		events:    channel.New[event](config.Events),
		pools:     make(map[string]*provider.Pool),
		workflows: make(map[string]*types.Workflow),
		wfCancels: make(map[string]context.CancelFunc),
		wfCtxs:    make(map[string]context.Context),
	}
}

// RegisterPool attaches a provider pool for its protocol. Must be called
// before Start.
func (e *Engine) RegisterPool(p *provider.Pool) error {
	if e.started.Load() {
		return types.NewError(types.ErrCodeInvalidTransition, "cannot register pools after start")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pools[p.Protocol()]; exists {
		return types.NewError(types.ErrCodeValidation, fmt.Sprintf("pool for protocol %q already registered", p.Protocol()))
	}
	e.pools[p.Protocol()] = p
	return nil
}

// Start launches the scheduler goroutine and the event forwarders.
func (e *Engine) Start(ctx context.Context) error {
	if e.started.Swap(true) {
		return types.NewError(types.ErrCodeInvalidTransition, "engine already started")
	}
	e.runCtx, e.runCancel = context.WithCancel(ctx)

	e.mu.RLock()
	pools := make([]*provider.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	e.mu.RUnlock()

	for _, p := range pools {
		e.wg.Add(1)
		go e.forward(p)
		e.wg.Add(1)
		go e.forwardScaleOut(p)
	}

	e.wg.Add(1)
	go e.schedule()

	if e.config.Retention > 0 && e.config.SweepInterval > 0 {
		e.wg.Add(1)
		go e.sweep()
	}

	e.logger.Info("engine started", zap.Int("pools", len(pools)))
	return nil
}

// Stop shuts the scheduler down. In-flight executions are abandoned to their
// pools; Stop does not wait for them.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.Load() || e.stopped.Swap(true) {
		return nil
	}
	e.runCancel()
	e.events.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return types.NewError(types.ErrCodeTimeout, "engine stop timed out").WithCause(ctx.Err())
	}
}

// Submit validates a workflow and begins scheduling it. Validation failures
// are reported in full (every cycle path and every unknown dependency), and a
// rejected workflow leaves no state behind.
func (e *Engine) Submit(ctx context.Context, wf *types.Workflow) error {
	if wf == nil || len(wf.Tasks) == 0 {
		return types.NewError(types.ErrCodeValidation, "workflow must contain at least one task")
	}
	if wf.Status != types.WorkflowPending {
		return types.NewError(types.ErrCodeInvalidTransition,
			fmt.Sprintf("workflow %s is %s, only pending workflows can be submitted", wf.ID, wf.Status))
	}

	// Duplicate rejection runs before any mutation or persistence: a rejected
	// resubmission must not clobber the store record of an earlier run with
	// the same ID. The store is consulted too, since finished workflows may
	// already be evicted from memory.
	e.mu.RLock()
	_, known := e.workflows[wf.ID]
	e.mu.RUnlock()
	if !known {
		if _, err := e.store.GetWorkflow(ctx, wf.ID); err == nil {
			known = true
		}
	}
	if known {
		return types.NewError(types.ErrCodeValidation, fmt.Sprintf("workflow %s already submitted", wf.ID))
	}

	e.applyDefaults(wf)

	if err := graph.New(wf.Tasks).Validate(); err != nil {
		return err
	}

	if err := e.store.PutWorkflow(ctx, wf); err != nil {
		return types.NewError(types.ErrCodeInternal, "failed to persist workflow").WithCause(err)
	}

	e.mu.Lock()
	if _, exists := e.workflows[wf.ID]; exists {
		// A concurrent submission with the same ID won the race.
		e.mu.Unlock()
		return types.NewError(types.ErrCodeValidation, fmt.Sprintf("workflow %s already submitted", wf.ID))
	}
	e.track(wf)
	for _, t := range wf.Tasks {
		if err := e.queue.Enqueue(t); err != nil {
			e.logger.Error("enqueue failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	wf.Status = types.WorkflowRunning
	wf.UpdatedAt = time.Now()
	e.mu.Unlock()

	if err := e.store.UpdateWorkflowStatus(ctx, wf.ID, types.WorkflowRunning, 0, 0); err != nil {
		e.logger.Warn("failed to persist workflow status", zap.String("workflow_id", wf.ID), zap.Error(err))
	}

	e.logger.Info("workflow submitted",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("tasks", len(wf.Tasks)))

	return e.kick()
}

// Cancel stops a workflow. All non-terminal tasks become cancelled; when
// cancelInflight is set, running executions are aborted through their
// contexts, otherwise they drain and their late events are ignored.
func (e *Engine) Cancel(ctx context.Context, workflowID string, cancelInflight bool) error {
	e.mu.RLock()
	_, known := e.workflows[workflowID]
	e.mu.RUnlock()
	if !known {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("workflow %s not found", workflowID))
	}
	return e.events.Send(ctx, event{kind: evCancel, workflowID: workflowID, cancelInflight: cancelInflight})
}

// NotifyProviderAvailable wakes the scheduler after provider capacity
// appears, so tasks parked on PROVIDER_UNAVAILABLE are re-dispatched without
// polling.
func (e *Engine) NotifyProviderAvailable() {
	_ = e.kick()
}

// Workflow returns a snapshot of a live workflow's aggregate state.
func (e *Engine) Workflow(workflowID string) (types.Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		return types.Workflow{}, false
	}
	snap := *wf
	snap.Tasks = nil
	snap.Results = nil
	return snap, true
}

// Results returns a copy of the results produced so far, including partial
// results of failed workflows.
func (e *Engine) Results(workflowID string) (map[string]any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("workflow %s not found", workflowID))
	}
	out := make(map[string]any, len(wf.Results))
	for k, v := range wf.Results {
		out[k] = v
	}
	return out, nil
}

// TaskStatus returns the current status of one task in a live workflow.
func (e *Engine) TaskStatus(workflowID, taskID string) (types.TaskStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		return "", types.NewError(types.ErrCodeNotFound, fmt.Sprintf("workflow %s not found", workflowID))
	}
	t, ok := wf.Tasks[taskID]
	if !ok {
		return "", types.NewError(types.ErrCodeNotFound, fmt.Sprintf("task %s not found", taskID)).WithTaskID(taskID)
	}
	return t.Status, nil
}

// kick requests a dispatch pass from the scheduler.
func (e *Engine) kick() error {
	err := e.events.Send(context.Background(), event{kind: evKick})
	if err != nil && err != channel.ErrClosed {
		return types.NewError(types.ErrCodeInternal, "event queue rejected dispatch request").WithCause(err)
	}
	return nil
}

// applyDefaults normalizes a submitted workflow in place.
func (e *Engine) applyDefaults(wf *types.Workflow) {
	now := time.Now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	if wf.Results == nil {
		wf.Results = make(map[string]any)
	}
	for _, t := range wf.Tasks {
		t.WorkflowID = wf.ID
		t.Status = types.TaskPending
		if !t.Priority.Valid() {
			t.Priority = types.PriorityNormal
		}
		if t.Retry.MaxAttempts <= 0 {
			t.Retry = e.config.DefaultRetry
		}
		if t.Timeout <= 0 {
			t.Timeout = e.config.DefaultTimeout
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
	}
}

// track registers a workflow with the scheduler. Caller holds e.mu.
func (e *Engine) track(wf *types.Workflow) {
	base := e.runCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	e.workflows[wf.ID] = wf
	e.wfCtxs[wf.ID] = ctx
	e.wfCancels[wf.ID] = cancel
}

// forward pumps one pool's task events into the scheduler queue.
func (e *Engine) forward(p *provider.Pool) {
	defer e.wg.Done()
	for ev := range p.Events() {
		if err := e.events.Send(e.runCtx, event{kind: evPool, pool: ev}); err != nil {
			return
		}
	}
}

// forwardScaleOut logs scale-out requests surfaced by a pool's backpressure
// manager. Capacity provisioning itself is an operator concern.
func (e *Engine) forwardScaleOut(p *provider.Pool) {
	defer e.wg.Done()
	for {
		select {
		case reason, ok := <-p.Backpressure().ScaleOut():
			if !ok {
				return
			}
			e.logger.Warn("scale-out requested",
				zap.String("protocol", p.Protocol()),
				zap.String("reason", reason))
		case <-e.runCtx.Done():
			return
		}
	}
}

// evictTerminal drops workflows that reached a terminal state before the
// retention cutoff from the engine's maps and the queue's bookkeeping, so a
// long-running coordinator does not accumulate finished state without bound.
// Resubmission of an evicted ID stays rejected as long as the store record
// survives.
func (e *Engine) evictTerminal(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, wf := range e.workflows {
		if !wf.IsTerminal() || wf.UpdatedAt.After(cutoff) {
			continue
		}
		taskIDs := make([]string, 0, len(wf.Tasks))
		for taskID := range wf.Tasks {
			taskIDs = append(taskIDs, taskID)
		}
		e.queue.Evict(taskIDs)
		if cancel, ok := e.wfCancels[id]; ok {
			cancel()
		}
		delete(e.workflows, id)
		delete(e.wfCtxs, id)
		delete(e.wfCancels, id)
		n++
	}
	return n
}

// sweep periodically removes terminal workflows past the retention window,
// both from the store and from the scheduler's in-memory state.
func (e *Engine) sweep() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := e.evictTerminal(e.config.Retention); n > 0 {
				e.logger.Info("evicted terminal workflows", zap.Int("count", n))
			}
			n, err := e.store.Cleanup(e.runCtx, e.config.Retention)
			if err != nil {
				e.logger.Warn("archival sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.logger.Info("archival sweep removed workflows", zap.Int("count", n))
			}
		case <-e.runCtx.Done():
			return
		}
	}
}
