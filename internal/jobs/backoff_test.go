package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffWithinBounds(t *testing.T) {
	base := 2 * time.Second
	cap := 5 * time.Minute

	b := base
	for attempt := 1; attempt <= 6; attempt++ {
		for i := 0; i < 50; i++ {
			delay := Backoff(attempt, base, cap)
			assert.GreaterOrEqual(t, delay, b/2, "attempt %d delay below deterministic half", attempt)
			assert.Less(t, delay, b, "attempt %d delay above exponential bound", attempt)
		}
		b *= 2
	}
}

func TestBackoffGrowsAcrossAttempts(t *testing.T) {
	base := time.Second
	cap := time.Hour

	// The jittered range of attempt n+1 starts where attempt n's ends, so any
	// sample from attempt n+1 is at least as large as any from attempt n.
	for attempt := 1; attempt < 6; attempt++ {
		shorter := Backoff(attempt, base, cap)
		longer := Backoff(attempt+1, base, cap)
		assert.GreaterOrEqual(t, longer, shorter)
	}
}

func TestBackoffJitterVaries(t *testing.T) {
	// Repeated samples at a fixed attempt must not collapse to one delay, or
	// retries from a correlated failure would stampede on the same instant.
	seen := make(map[time.Duration]struct{})
	for i := 0; i < 100; i++ {
		seen[Backoff(3, time.Second, time.Hour)] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}

func TestBackoffCapped(t *testing.T) {
	cap := 10 * time.Second
	for i := 0; i < 50; i++ {
		delay := Backoff(30, time.Second, cap)
		assert.GreaterOrEqual(t, delay, cap/2)
		assert.LessOrEqual(t, delay, cap)
	}
}

func TestBackoffDefaults(t *testing.T) {
	// Non-positive attempt and zero base/cap fall back to defaults.
	delay := Backoff(0, 0, 0)
	assert.GreaterOrEqual(t, delay, DefaultBackoffBase/2)
	assert.Less(t, delay, DefaultBackoffBase)
}
