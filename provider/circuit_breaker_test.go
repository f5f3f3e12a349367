package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, recovery time.Duration) *CircuitBreaker {
	t.Helper()
	return NewCircuitBreaker("w1", CircuitConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  recovery,
		SuccessThreshold: 2,
	}, nil, nil)
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	t.Parallel()
	cb := newTestBreaker(t, time.Hour)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
		assert.True(t, cb.AllowRequest())
	}
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.AllowRequest())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()
	cb := newTestBreaker(t, time.Hour)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	// The streak restarts; four more failures still do not open it.
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()
	cb := newTestBreaker(t, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())
	require.False(t, cb.AllowRequest())

	time.Sleep(20 * time.Millisecond)

	// The elapsed recovery timeout admits a probe and moves to half-open.
	assert.True(t, cb.AllowRequest())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.State(), "one probe is not enough")
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	cb := newTestBreaker(t, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.AllowRequest())
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.AllowRequest())
}

func TestBreakerTripOpensImmediately(t *testing.T) {
	t.Parallel()
	cb := newTestBreaker(t, time.Hour)
	cb.Trip("worker crashed")
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.AllowRequest())
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	cb := newTestBreaker(t, time.Hour)
	cb.Trip("crash")
	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.AllowRequest())
}

func TestBreakerNotifiesTransitions(t *testing.T) {
	t.Parallel()
	transitions := make(chan CircuitState, 4)
	cb := NewCircuitBreaker("w1", CircuitConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1},
		func(workerID string, from, to CircuitState) {
			transitions <- to
		}, nil)

	cb.RecordFailure()
	select {
	case to := <-transitions:
		assert.Equal(t, CircuitOpen, to)
	case <-time.After(time.Second):
		t.Fatal("no transition notification")
	}
}
