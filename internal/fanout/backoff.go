package fanout

import (
	"math/rand"
	"time"
)

// Backoff selects how the delay grows across attempts
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy is the per-class retry configuration. MaxRetries is the total
// attempt budget: an attempt whose number reaches it exhausts the delivery.
// Jitter is strictly additive, so the effective delay never drops below the
// computed backoff term.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Backoff    Backoff
	Jitter     time.Duration
}

// DefaultPolicy mirrors the stock per-class configuration
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  10 * time.Second,
		Backoff:    BackoffExponential,
		Jitter:     time.Second,
	}
}

// Delay computes the wait before the next attempt, given the 1-indexed
// number of the attempt that just completed. The result is always >= 0 and
// carries no upper bound unless the policy's schedule implies one.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.BaseDelay
	if base < 0 {
		base = 0
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffFixed:
		d = base
	case BackoffLinear:
		d = base * time.Duration(attempt)
	default:
		// exponential: base * 2^(attempt-1), guarding the shift against
		// overflow for absurd attempt counts
		shift := attempt - 1
		if shift > 32 {
			shift = 32
		}
		d = base << uint(shift)
	}

	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	if d < 0 {
		d = 0
	}
	return d
}
