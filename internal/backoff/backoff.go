// Package backoff computes retry delays for the optimistic-concurrency
// conflict loop: exponential growth from a base delay, optional jitter to
// prevent thundering herd, capped at a maximum.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Defaults used by the operation queue for version-conflict spacing.
const (
	DefaultBase = 100 * time.Millisecond
	DefaultMax  = 5 * time.Second

	// jitterRange is the half-open interval [0, jitterRange) added to the
	// computed delay when jitter is enabled.
	jitterRange = 100 * time.Millisecond
)

// Delay returns the wait before retry number attempt (0-based):
// min(base * 2^attempt + jitter, max). Deterministic when jitter is off.
func Delay(attempt int, base, max time.Duration, jitter bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}

	d := float64(base) * math.Pow(2, float64(attempt))
	if jitter {
		d += rand.Float64() * float64(jitterRange)
	}
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}
