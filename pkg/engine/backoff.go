package engine

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls delay timing between retry attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff returns exponential backoff with jitter: 200ms base, factor
// 2, capped at 30s.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 200 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
}

// DelayForAttempt calculates the delay for a given attempt number (0-indexed):
// InitialDelay * Factor^attempt, capped at MaxDelay. With Jitter the delay is
// randomized in [0, calculated].
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	baseNanos := float64(b.InitialDelay.Nanoseconds()) * math.Pow(b.Factor, float64(attempt))
	maxNanos := float64(b.MaxDelay.Nanoseconds())
	delayNanos := math.Min(baseNanos, maxNanos)

	if b.Jitter {
		delayNanos = rand.Float64() * delayNanos
	}
	return time.Duration(int64(delayNanos))
}

// sleepWithContext sleeps for d but returns early if the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
