package queue

import (
	"math/rand"
	"time"
)

// RetryPolicy defines the exponential backoff parameters for delivery retries.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// JitterFunc perturbs a computed backoff delay. The default adds a random
// 5-10% swing in either direction so retries from a burst of failures do not
// land on the same instant. Tests inject a deterministic replacement.
type JitterFunc func(d time.Duration) time.Duration

// CalculateRetryDelay computes the delay before retry attempt n (1-based)
// using exponential backoff: delay = min(BaseDelay * BackoffFactor^(n-1), MaxDelay).
func CalculateRetryDelay(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= policy.BackoffFactor
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if d < 0 {
		// Guard against overflow
		d = policy.MaxDelay
	}

	return d
}

// defaultJitter applies a random ±5-10% swing to the delay.
func defaultJitter(d time.Duration) time.Duration {
	frac := 0.05 + rand.Float64()*0.05
	if rand.Intn(2) == 0 {
		frac = -frac
	}
	return d + time.Duration(float64(d)*frac)
}
