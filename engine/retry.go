package engine

import (
	"math"
	"math/rand"
	"time"

	"github.com/BaSui01/taskmesh/types"
)

// retryDelay computes the exponential backoff delay before the next attempt.
// attempt counts the executions already made, so the first retry uses
// InitialDelay. Jitter spreads delays by ±25% to avoid retry storms.
func retryDelay(policy types.RetryPolicy, attempt int) time.Duration {
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2.0
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}

	delay := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.Jitter {
		delay = delay * (0.75 + rand.Float64()*0.5)
	}

	if delay < float64(time.Millisecond) {
		delay = float64(time.Millisecond)
	}
	return time.Duration(delay)
}
