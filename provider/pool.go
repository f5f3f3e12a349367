package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	internalpool "github.com/BaSui01/taskmesh/internal/pool"
	"github.com/BaSui01/taskmesh/types"
)

// PoolConfig tunes one protocol's pool.
type PoolConfig struct {
	// EventBuffer sizes the completion event channel.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`

	// Exec sizes the underlying goroutine pool.
	Exec internalpool.Config `json:"exec" yaml:"exec"`

	// Backpressure tunes load thresholds.
	Backpressure BackpressureConfig `json:"backpressure" yaml:"backpressure"`
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		EventBuffer:  256,
		Exec:         internalpool.DefaultConfig(),
		Backpressure: DefaultBackpressureConfig(),
	}
}

// Pool owns the workers for one protocol and matches ready tasks to
// available, non-broken workers. Dispatch is fire-and-forget: execution runs
// on the pool's goroutines and the outcome arrives on Events.
type Pool struct {
	protocol string
	config   PoolConfig

	mu         sync.RWMutex
	workers    map[string]*Worker
	byProvider map[string][]string

	// claims maps task ID to the claiming worker. LoadOrStore is the atomic
	// claim: when several dispatch paths observe the same ready task, exactly
	// one wins and the losers back off with no side effects.
	claims sync.Map

	exec   *internalpool.ExecPool
	bp     *BackpressureManager
	events chan TaskEvent

	stopped bool
	logger  *zap.Logger
}

// NewPool creates an empty pool for one protocol.
func NewPool(protocol string, config PoolConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultPoolConfig().EventBuffer
	}
	logger = logger.With(
		zap.String("component", "provider_pool"),
		zap.String("protocol", protocol))
	p := &Pool{
		protocol:   protocol,
		config:     config,
		workers:    make(map[string]*Worker),
		byProvider: make(map[string][]string),
		bp:         NewBackpressureManager(config.Backpressure, logger),
		events:     make(chan TaskEvent, config.EventBuffer),
		logger:     logger,
	}
	p.exec = internalpool.New(config.Exec, func(r any) {
		logger.Error("executor panicked", zap.Any("panic", r))
	})
	return p
}

// Protocol returns the pool's protocol.
func (p *Pool) Protocol() string { return p.protocol }

// Events exposes the asynchronous completion/failure stream.
func (p *Pool) Events() <-chan TaskEvent { return p.events }

// Backpressure exposes the pool's backpressure manager.
func (p *Pool) Backpressure() *BackpressureManager { return p.bp }

// AddWorker registers and starts a worker slot.
func (p *Pool) AddWorker(w *Worker) error {
	if w.Protocol() != p.protocol {
		return types.NewError(types.ErrCodeValidation,
			fmt.Sprintf("worker protocol %q does not match pool %q", w.Protocol(), p.protocol))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.workers[w.ID()]; exists {
		return types.NewError(types.ErrCodeValidation,
			fmt.Sprintf("worker %q already registered", w.ID()))
	}
	p.workers[w.ID()] = w
	p.byProvider[w.ProviderID()] = append(p.byProvider[w.ProviderID()], w.ID())
	w.Start()
	return nil
}

// Dispatch claims a worker for the task and schedules its execution.
// providerID narrows candidates to workers bound to that provider; "" allows
// any worker in the pool. A WORKER_UNAVAILABLE or RESOURCE_EXHAUSTED return
// means the task was not started and stays queued.
func (p *Pool) Dispatch(ctx context.Context, task *types.Task, providerID string) error {
	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return types.NewError(types.ErrCodeInternal, "pool is stopped")
	}
	var candidateIDs []string
	if providerID != "" {
		candidateIDs = append(candidateIDs, p.byProvider[providerID]...)
	} else {
		for id := range p.workers {
			candidateIDs = append(candidateIDs, id)
		}
	}
	p.mu.RUnlock()

	// The claim is taken before probing workers so that concurrent dispatch
	// paths racing on the same task resolve to exactly one executor.
	if _, loaded := p.claims.LoadOrStore(task.ID, ""); loaded {
		return nil
	}

	for _, id := range candidateIDs {
		p.mu.RLock()
		w := p.workers[id]
		p.mu.RUnlock()
		if w == nil {
			continue
		}
		if p.bp.Blocked(w.ID()) {
			continue
		}
		if p.bp.Throttled(w.ID()) && !p.bp.AllowThrottled() {
			continue
		}
		if !w.TryAcquire() {
			continue
		}

		p.claims.Store(task.ID, w.ID())
		if err := p.exec.Submit(ctx, func(jobCtx context.Context) {
			p.run(jobCtx, w, task)
		}); err != nil {
			w.release(task.ID)
			p.claims.Delete(task.ID)
			if errors.Is(err, internalpool.ErrFull) {
				return types.NewError(types.ErrCodeResourceExhausted,
					"execution pool saturated").WithTaskID(task.ID)
			}
			return types.NewError(types.ErrCodeInternal, "submit failed").
				WithTaskID(task.ID).WithCause(err)
		}
		return nil
	}

	p.claims.Delete(task.ID)
	return types.NewError(types.ErrCodeWorkerUnavailable,
		fmt.Sprintf("no available worker in pool %q", p.protocol)).WithTaskID(task.ID)
}

// run executes a claimed task and emits its outcome.
func (p *Pool) run(ctx context.Context, w *Worker, task *types.Task) {
	ctx, span := otel.Tracer("taskmesh/provider").Start(ctx, "task.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.method", task.Method),
			attribute.String("protocol", p.protocol),
			attribute.String("worker.id", w.ID()),
		),
	)
	defer span.End()

	start := time.Now()
	result, execErr := w.Execute(ctx, task)

	// Settle the claim before the outcome becomes visible, so a retry of the
	// task can re-claim immediately. A missing or foreign claim means
	// FailWorker already requeued the task while this execution was stuck;
	// reporting its outcome now would double-settle the requeued task.
	if !p.claims.CompareAndDelete(task.ID, w.ID()) {
		p.logger.Debug("outcome dropped for requeued task",
			zap.String("task_id", task.ID),
			zap.String("worker_id", w.ID()))
		p.observePool()
		return
	}

	ev := TaskEvent{
		TaskID:     task.ID,
		WorkflowID: task.WorkflowID,
		WorkerID:   w.ID(),
		ProviderID: w.ProviderID(),
		Latency:    time.Since(start),
	}
	if execErr != nil {
		span.RecordError(execErr)
		span.SetAttributes(attribute.String("error.code", string(execErr.Code)))
		ev.Kind = EventFailed
		ev.Err = execErr
	} else {
		ev.Kind = EventCompleted
		ev.Result = result
	}
	p.emit(ev)
	p.observePool()
}

// FailWorker marks a worker hard-failed: its circuit opens immediately and
// its in-flight tasks are requeued rather than failed.
func (p *Pool) FailWorker(workerID, reason string) {
	p.mu.RLock()
	w := p.workers[workerID]
	p.mu.RUnlock()
	if w == nil {
		return
	}
	for _, task := range w.Fail(reason) {
		p.claims.Delete(task.ID)
		p.emit(TaskEvent{
			Kind:       EventRequeued,
			TaskID:     task.ID,
			WorkflowID: task.WorkflowID,
			WorkerID:   workerID,
			ProviderID: w.ProviderID(),
			Err: types.NewError(types.ErrCodeWorkerUnavailable, reason).
				WithTaskID(task.ID).WithRetryable(true),
		})
	}
}

// ObserveWorkerLoad feeds a load sample into the backpressure manager,
// deriving the task-slot fraction from the worker's live in-flight count.
func (p *Pool) ObserveWorkerLoad(workerID string, cpuPercent, memoryPercent float64) {
	p.mu.RLock()
	w := p.workers[workerID]
	p.mu.RUnlock()
	if w == nil {
		return
	}
	sample := WorkerSample{
		CPUPercent:    cpuPercent,
		MemoryPercent: memoryPercent,
		TaskLoad:      float64(w.InFlight()) / float64(w.config.MaxConcurrentTasks),
	}
	p.bp.Observe(workerID, sample)
}

// Utilization returns the pool's busy slots and total capacity.
func (p *Pool) Utilization() (busy, capacity int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		busy += w.InFlight()
		capacity += w.config.MaxConcurrentTasks
	}
	return busy, capacity
}

// Workers returns a snapshot of worker IDs and states.
func (p *Pool) Workers() map[string]types.WorkerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]types.WorkerState, len(p.workers))
	for id, w := range p.workers {
		out[id] = w.State()
	}
	return out
}

// Stop drains all workers and closes the event stream.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Stop(gctx) })
	}
	err := g.Wait()
	p.exec.Close()
	close(p.events)
	p.logger.Info("pool stopped", zap.Int("workers", len(workers)))
	return err
}

func (p *Pool) emit(ev TaskEvent) {
	select {
	case p.events <- ev:
	default:
		// The engine fell behind; block rather than drop a completion.
		p.logger.Warn("event channel full, applying backpressure",
			zap.String("task_id", ev.TaskID))
		p.events <- ev
	}
}

func (p *Pool) observePool() {
	busy, capacity := p.Utilization()
	p.bp.ObservePoolUtilization(p.protocol, busy, capacity)
}
