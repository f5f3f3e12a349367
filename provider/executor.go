// Package provider implements the execution side of TaskMesh: worker slots
// bound to provider instances, per-protocol pools that match ready tasks to
// available workers through an atomic claim protocol, per-worker circuit
// breaking and load-based backpressure.
package provider

import (
	"context"
	"time"

	"github.com/BaSui01/taskmesh/types"
)

// Executor is the provider-side computation hook: one implementation per
// provider variant (LLM backend, code runner, protocol service). TaskMesh
// never implements a task's business logic itself.
type Executor interface {
	// Protocol identifies the provider family this executor serves.
	Protocol() string

	// Execute runs one task and returns its result. Implementations must
	// honor ctx cancellation; the pool enforces the task timeout through it.
	Execute(ctx context.Context, task *types.Task) (any, error)
}

// EventKind classifies a task event emitted by a pool.
type EventKind int

const (
	// EventCompleted reports a successful execution.
	EventCompleted EventKind = iota
	// EventFailed reports an execution failure (including timeouts; the
	// error code distinguishes them).
	EventFailed
	// EventRequeued reports a task returned to the queue because its worker
	// crashed before finishing.
	EventRequeued
)

// TaskEvent is the asynchronous completion/failure signal a pool sends the
// engine. Delivery is at-least-once; the engine applies events idempotently
// keyed on TaskID.
type TaskEvent struct {
	Kind       EventKind
	TaskID     string
	WorkflowID string
	WorkerID   string
	ProviderID string
	Result     any
	Err        *types.Error
	Latency    time.Duration
}
