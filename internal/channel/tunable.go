// Package channel provides a buffered channel whose capacity grows under
// sustained send pressure. The engine uses it as its event queue so that a
// burst of completions from many provider pools never deadlocks the single
// scheduler goroutine against its own producers.
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("channel is closed")

// Config sizes a Tunable channel.
type Config struct {
	InitialSize int `json:"initial_size" yaml:"initial_size"`
	MaxSize     int `json:"max_size" yaml:"max_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{InitialSize: 64, MaxSize: 4096}
}

// Tunable is a buffered channel that doubles its capacity, up to MaxSize,
// whenever a send finds the buffer full. Shutdown is signalled out of band so
// that Close never races a blocked sender.
type Tunable[T any] struct {
	config Config

	mu     sync.Mutex
	ch     chan T
	closed atomic.Bool
	done   chan struct{}

	grows  atomic.Int64
	blocks atomic.Int64
}

// New creates a Tunable channel.
func New[T any](config Config) *Tunable[T] {
	if config.InitialSize <= 0 {
		config.InitialSize = DefaultConfig().InitialSize
	}
	if config.MaxSize < config.InitialSize {
		config.MaxSize = DefaultConfig().MaxSize
	}
	return &Tunable[T]{
		config: config,
		ch:     make(chan T, config.InitialSize),
		done:   make(chan struct{}),
	}
}

// Send enqueues a value, growing the buffer instead of blocking when
// possible. At MaxSize it degrades to a normal blocking send bounded by ctx.
func (t *Tunable[T]) Send(ctx context.Context, v T) error {
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return ErrClosed
	}
	select {
	case t.ch <- v:
		t.mu.Unlock()
		return nil
	default:
	}

	if cap(t.ch) < t.config.MaxSize {
		t.grow()
		t.ch <- v
		t.mu.Unlock()
		return nil
	}
	ch := t.ch
	t.mu.Unlock()

	t.blocks.Add(1)
	select {
	case ch <- v:
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv dequeues the next value, blocking until one arrives, the channel
// drains after Close, or ctx expires.
func (t *Tunable[T]) Recv(ctx context.Context) (T, bool, error) {
	var zero T
	for {
		t.mu.Lock()
		ch := t.ch
		t.mu.Unlock()

		select {
		case v, ok := <-ch:
			if !ok {
				// A grow migration closed this buffer; pick up the new one.
				continue
			}
			return v, true, nil
		case <-t.done:
			// Drain what is already buffered before reporting end-of-stream.
			select {
			case v, ok := <-ch:
				if !ok {
					continue
				}
				return v, true, nil
			default:
				return zero, false, nil
			}
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}
}

// Close stops accepting sends. Buffered values remain receivable.
func (t *Tunable[T]) Close() {
	if t.closed.Swap(true) {
		return
	}
	close(t.done)
}

// Len returns the number of buffered values.
func (t *Tunable[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ch)
}

// Stats reports growth and blocking counters.
func (t *Tunable[T]) Stats() (grows, blocks int64) {
	return t.grows.Load(), t.blocks.Load()
}

// grow doubles the buffer, migrating queued values. Caller holds t.mu.
func (t *Tunable[T]) grow() {
	size := cap(t.ch) * 2
	if size > t.config.MaxSize {
		size = t.config.MaxSize
	}
	next := make(chan T, size)
	close(t.ch)
	for v := range t.ch {
		next <- v
	}
	t.ch = next
	t.grows.Add(1)
}
