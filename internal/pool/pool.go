// Package pool provides a bounded goroutine pool used as the execution
// substrate for provider workers. Task executions are fire-and-forget from
// the scheduler's point of view; the pool bounds total concurrency and
// recovers panics so a misbehaving executor cannot take down the process.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed = errors.New("exec pool is closed")
	ErrFull   = errors.New("exec pool queue is full")
)

// Job is a unit of work scheduled on the pool.
type Job func(ctx context.Context)

// Config sizes the pool.
type Config struct {
	MaxWorkers  int           `json:"max_workers" yaml:"max_workers"`
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  64,
		QueueSize:   512,
		IdleTimeout: 60 * time.Second,
	}
}

// ExecPool runs jobs on a bounded set of goroutines. Workers are spawned on
// demand up to MaxWorkers and exit after IdleTimeout without work.
type ExecPool struct {
	config  Config
	jobs    chan job
	workers atomic.Int32
	active  atomic.Int32
	closed  atomic.Bool
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	rejected  atomic.Int64

	panicHandler func(any)
}

type job struct {
	fn  Job
	ctx context.Context
}

// New creates an ExecPool.
func New(config Config, panicHandler func(any)) *ExecPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &ExecPool{
		config:       config,
		jobs:         make(chan job, config.QueueSize),
		panicHandler: panicHandler,
	}
}

// Submit schedules a job. It never blocks: when the queue is full and no
// worker slot is free, the job is rejected with ErrFull so the caller can
// apply backpressure instead of stalling the scheduler.
func (p *ExecPool) Submit(ctx context.Context, fn Job) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.submitted.Add(1)

	j := job{fn: fn, ctx: ctx}
	select {
	case p.jobs <- j:
		p.ensureWorker()
		return nil
	default:
		if p.spawnWorker() {
			select {
			case p.jobs <- j:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrFull
	}
}

func (p *ExecPool) ensureWorker() {
	if p.workers.Load() < int32(p.config.MaxWorkers) {
		p.spawnWorker()
	}
}

func (p *ExecPool) spawnWorker() bool {
	for {
		n := p.workers.Load()
		if n >= int32(p.config.MaxWorkers) {
			return false
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.run()
			return true
		}
	}
}

func (p *ExecPool) run() {
	defer p.wg.Done()
	defer p.workers.Add(-1)

	idle := time.NewTimer(p.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.active.Add(1)
			p.execute(j)
			p.active.Add(-1)
			p.completed.Add(1)
			idle.Reset(p.config.IdleTimeout)
		case <-idle.C:
			if p.workers.Load() > 1 {
				return
			}
			idle.Reset(p.config.IdleTimeout)
		}
	}
}

func (p *ExecPool) execute(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
		}
	}()
	j.fn(j.ctx)
}

// Close stops accepting jobs and waits for in-flight jobs to finish.
func (p *ExecPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns a snapshot of pool activity.
func (p *ExecPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Rejected:  p.rejected.Load(),
	}
}
