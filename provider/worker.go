package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// WorkerConfig tunes one worker slot.
type WorkerConfig struct {
	// MaxConcurrentTasks bounds the worker's in-flight tasks.
	MaxConcurrentTasks int `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`

	// DefaultTimeout applies to tasks that declare none.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`

	// Circuit configures the worker's breaker.
	Circuit CircuitConfig `json:"circuit" yaml:"circuit"`
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxConcurrentTasks: 4,
		DefaultTimeout:     5 * time.Minute,
		Circuit:            DefaultCircuitConfig(),
	}
}

// WorkerStats accumulates execution counters.
type WorkerStats struct {
	Executed  int64 `json:"executed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
}

// Worker is one execution slot bound to a provider instance. Its lifecycle
// runs STARTING -> IDLE <-> BUSY -> STOPPING -> STOPPED, with FAILED
// reachable from any state. The circuit breaker is tracked independently of
// lifecycle and gates new work only.
type Worker struct {
	id         string
	providerID string
	protocol   string
	executor   Executor
	config     WorkerConfig

	state    atomic.Int32
	inflight atomic.Int32

	// tracked guards the in-flight task set used to requeue on hard failure.
	mu      sync.Mutex
	tracked map[string]*types.Task

	breaker *CircuitBreaker

	executed  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64

	logger *zap.Logger
}

// NewWorker creates a worker in the starting state; Start moves it to idle.
func NewWorker(id, providerID string, executor Executor, config WorkerConfig, onCircuitChange StateChangeFunc, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrentTasks <= 0 {
		config.MaxConcurrentTasks = DefaultWorkerConfig().MaxConcurrentTasks
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultWorkerConfig().DefaultTimeout
	}
	w := &Worker{
		id:         id,
		providerID: providerID,
		protocol:   executor.Protocol(),
		executor:   executor,
		config:     config,
		tracked:    make(map[string]*types.Task),
		breaker:    NewCircuitBreaker(id, config.Circuit, onCircuitChange, logger),
		logger: logger.With(
			zap.String("component", "provider_worker"),
			zap.String("worker_id", id),
			zap.String("provider_id", providerID)),
	}
	w.state.Store(int32(types.WorkerStarting))
	return w
}

// Start moves the worker to idle so it can claim tasks.
func (w *Worker) Start() {
	w.state.Store(int32(types.WorkerIdle))
	w.logger.Info("worker started", zap.String("protocol", w.protocol))
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// ProviderID returns the bound provider instance.
func (w *Worker) ProviderID() string { return w.providerID }

// Protocol returns the worker's protocol.
func (w *Worker) Protocol() string { return w.protocol }

// State returns the current lifecycle state.
func (w *Worker) State() types.WorkerState {
	return types.WorkerState(w.state.Load())
}

// Breaker exposes the worker's circuit breaker.
func (w *Worker) Breaker() *CircuitBreaker { return w.breaker }

// InFlight returns the number of tasks currently executing.
func (w *Worker) InFlight() int { return int(w.inflight.Load()) }

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Executed:  w.executed.Load(),
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
		TimedOut:  w.timedOut.Load(),
	}
}

// TryAcquire attempts to claim one execution slot. The increment is a
// compare-and-swap loop so concurrent claimants never exceed
// MaxConcurrentTasks; exactly one caller wins the last free slot.
func (w *Worker) TryAcquire() bool {
	s := w.State()
	if s != types.WorkerIdle && s != types.WorkerBusy {
		return false
	}
	if !w.breaker.AllowRequest() {
		return false
	}
	for {
		n := w.inflight.Load()
		if int(n) >= w.config.MaxConcurrentTasks {
			return false
		}
		if w.inflight.CompareAndSwap(n, n+1) {
			w.state.CompareAndSwap(int32(types.WorkerIdle), int32(types.WorkerBusy))
			return true
		}
	}
}

// release returns one slot; the worker goes idle when nothing is in flight.
func (w *Worker) release(taskID string) {
	w.mu.Lock()
	delete(w.tracked, taskID)
	w.mu.Unlock()
	if w.inflight.Add(-1) == 0 {
		w.state.CompareAndSwap(int32(types.WorkerBusy), int32(types.WorkerIdle))
	}
}

// Execute runs a claimed task under its hard timeout. The caller must have
// won TryAcquire. Timeouts are reported as a distinct error kind from
// application failures, and both outcomes feed the circuit breaker.
func (w *Worker) Execute(ctx context.Context, task *types.Task) (any, *types.Error) {
	w.mu.Lock()
	w.tracked[task.ID] = task
	w.mu.Unlock()
	defer w.release(task.ID)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.config.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	w.executed.Add(1)
	start := time.Now()
	result, err := w.executor.Execute(execCtx, task)
	elapsed := time.Since(start)

	if err != nil {
		w.breaker.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) || execCtx.Err() == context.DeadlineExceeded {
			w.timedOut.Add(1)
			w.logger.Warn("task execution timed out",
				zap.String("task_id", task.ID),
				zap.Duration("timeout", timeout))
			return nil, types.NewError(types.ErrCodeTimeout, "execution deadline exceeded").
				WithTaskID(task.ID).WithCause(err).WithRetryable(true)
		}
		if errors.Is(err, context.Canceled) {
			return nil, types.NewError(types.ErrCodeCancelled, "execution cancelled").
				WithTaskID(task.ID).WithCause(err)
		}
		w.failed.Add(1)
		w.logger.Warn("task execution failed",
			zap.String("task_id", task.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, types.NewError(types.ErrCodeExecution, "provider reported failure").
			WithTaskID(task.ID).WithCause(err).WithRetryable(true)
	}

	w.breaker.RecordSuccess()
	w.succeeded.Add(1)
	w.logger.Debug("task executed",
		zap.String("task_id", task.ID),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

// Fail marks the worker hard-failed, trips its circuit immediately and
// returns the in-flight tasks so the pool can requeue them instead of
// failing them.
func (w *Worker) Fail(reason string) []*types.Task {
	w.state.Store(int32(types.WorkerFailed))
	w.breaker.Trip(reason)

	w.mu.Lock()
	orphans := make([]*types.Task, 0, len(w.tracked))
	for _, t := range w.tracked {
		orphans = append(orphans, t)
	}
	w.tracked = make(map[string]*types.Task)
	w.mu.Unlock()
	// inflight is not reset here: the orphan executions are still draining
	// and each one releases its own slot, keeping the count balanced.

	w.logger.Error("worker failed",
		zap.String("reason", reason),
		zap.Int("requeued_tasks", len(orphans)))
	return orphans
}

// Stop drains the worker: no new claims are admitted and the call returns
// once in-flight tasks finish or ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(types.WorkerIdle), int32(types.WorkerStopping)) &&
		!w.state.CompareAndSwap(int32(types.WorkerBusy), int32(types.WorkerStopping)) {
		w.state.Store(int32(types.WorkerStopped))
		return nil
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for w.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			w.state.Store(int32(types.WorkerStopped))
			return ctx.Err()
		case <-ticker.C:
		}
	}
	w.state.Store(int32(types.WorkerStopped))
	w.logger.Info("worker stopped")
	return nil
}
