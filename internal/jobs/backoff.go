// Package jobs implements the TaskPipe job execution engine.
//
// This file computes retry delays: exponential growth with equal jitter.
package jobs

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default retry policy constants. Exact values are deployment configuration;
// these are the fallbacks applied by DefaultPolicy.
const (
	// DefaultBackoffBase is the delay scale for the first retry.
	DefaultBackoffBase = 2 * time.Second
	// DefaultBackoffCap bounds the exponential growth.
	DefaultBackoffCap = 5 * time.Minute
)

// Backoff returns the delay before retry attempt (1-indexed). The base delay
// doubles each attempt and is capped; half of it is deterministic and half is
// random, so delays grow monotonically across attempts while concurrent
// retries stay desynchronized.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(cap) {
		d = float64(cap)
	}
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}
