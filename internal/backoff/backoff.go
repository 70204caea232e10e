// Package backoff computes retry delays shared by the fetch scheduler and
// the job committer.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// WithJitter returns a delay in [wait/2, wait) where wait doubles from base
// on every attempt and is capped at max.
func WithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

// Policy is a capped exponential curve with jitter.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// Next returns the delay before retry number attempt (1-based).
func (p Policy) Next(attempt int) time.Duration {
	return WithJitter(p.Initial, p.Max, attempt)
}
