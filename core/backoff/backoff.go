// Package backoff computes retry delays for failed requests.
// Policies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Policy is an exponential backoff with a configurable multiplier, an upper
// bound and symmetric jitter.
//
//	delay = min(BaseDelay * Multiplier^(attempt-1), MaxDelay) ± Jitter*delay
type Policy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter is the fraction of the delay added or subtracted at random, in [0, 1].
	Jitter float64
}

// New creates a policy. A multiplier below 1 is treated as 1.
func New(base time.Duration, multiplier float64, maxDelay time.Duration, jitter float64) Policy {
	return Policy{
		BaseDelay:  base,
		Multiplier: multiplier,
		MaxDelay:   maxDelay,
		Jitter:     jitter,
	}
}

// Default returns 1s base, doubling, 30s cap and 10% jitter.
func Default() Policy {
	return New(time.Second, 2, 30*time.Second, 0.1)
}

// Base returns the un-jittered delay for attempt.
func (p Policy) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for attempt. Never negative.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base(attempt)

	jitter := min(max(p.Jitter, 0), 1)
	if jitter == 0 || d == 0 {
		return d
	}

	spread := float64(d) * jitter
	offset := (rand.Float64()*2 - 1) * spread //nolint:gosec // jitter intentionally uses non-crypto rand
	return max(time.Duration(float64(d)+offset), 0)
}

// Constant always returns the same delay.
type Constant time.Duration

// Delay returns the fixed interval.
func (c Constant) Delay(int) time.Duration {
	return time.Duration(c)
}
