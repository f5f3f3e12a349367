package provider

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the failure-isolation state of one worker.
type CircuitState int

const (
	// CircuitClosed passes requests through normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all requests until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits probe requests to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitConfig tunes a worker's circuit breaker.
type CircuitConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`

	// SuccessThreshold is the consecutive half-open successes required to close.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

// DefaultCircuitConfig returns sensible defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// StateChangeFunc observes circuit transitions, e.g. for metrics.
type StateChangeFunc func(workerID string, from, to CircuitState)

// CircuitBreaker isolates a failing worker: consecutive failures open the
// circuit, the open circuit suppresses dispatch, and probe successes after
// the recovery timeout close it again. Circuit state is tracked independently
// of the worker's lifecycle state and only gates new work.
type CircuitBreaker struct {
	workerID string
	config   CircuitConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time

	onChange StateChangeFunc
	logger   *zap.Logger
}

// NewCircuitBreaker creates a closed breaker for one worker.
func NewCircuitBreaker(workerID string, config CircuitConfig, onChange StateChangeFunc, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultCircuitConfig().RecoveryTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultCircuitConfig().SuccessThreshold
	}
	return &CircuitBreaker{
		workerID: workerID,
		config:   config,
		state:    CircuitClosed,
		onChange: onChange,
		logger:   logger.With(zap.String("worker_id", workerID)),
	}
}

// AllowRequest reports whether a request may pass. It is false only while the
// circuit is open; an open circuit whose recovery timeout has elapsed moves
// to half-open and admits the request as a probe.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.transition(CircuitHalfOpen, "recovery timeout elapsed")
			cb.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful execution. Any success resets the
// consecutive-failure counter; enough half-open successes close the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed, "half-open probes succeeded")
			cb.successes = 0
		}
	}
}

// RecordFailure notes a failed execution. Reaching the threshold while
// closed, or any failure while half-open, opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen, "failure threshold reached")
		}
	case CircuitHalfOpen:
		cb.successes = 0
		cb.transition(CircuitOpen, "failure during half-open probe")
	}
}

// Trip opens the circuit immediately, bypassing the failure threshold. Used
// on worker hard failures (crash, disconnect).
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = time.Now()
	if cb.state != CircuitOpen {
		cb.transition(CircuitOpen, reason)
	}
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed, "manual reset")
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState, reason string) {
	from := cb.state
	cb.state = to
	cb.logger.Info("circuit state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))
	if cb.onChange != nil {
		// Fire outside the pool's hot path; handler must not call back in.
		go cb.onChange(cb.workerID, from, to)
	}
}
