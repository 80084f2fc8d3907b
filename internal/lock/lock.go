// Package lock provides leader locks for TaskPipe.
//
// The periodic scheduler runs in every instance but only fires schedules while
// holding the leader lock, so each due tick produces at most one job across
// the deployment.
package lock

import (
	"context"
	"hash/fnv"
)

// Manager is a non-blocking leader lock.
type Manager interface {
	// TryAcquire attempts to take the lock without blocking. Returns false
	// when another holder has it.
	TryAcquire(ctx context.Context) (bool, error)

	// Release gives the lock up. Safe to call when not held.
	Release(ctx context.Context) error
}

// KeyID maps a lock name to a stable numeric key for backends that identify
// locks by integer.
func KeyID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}
