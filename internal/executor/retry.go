package executor

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls per-request retry behavior. Delays grow by Multiplier
// per attempt, capped at MaxDelay, with ±Jitter fraction of randomness.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay, 0..1
}

// DefaultRetryPolicy mirrors the ceilings used by the CLI when the caller
// does not override them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Delay returns the backoff before retrying after the given 1-based attempt.
// Monotonically non-decreasing across attempts modulo jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		span := float64(d) * p.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * span)
		if d < 0 {
			d = 0
		}
	}
	return d
}
