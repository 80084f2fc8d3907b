// Package lock provides leader locks for TaskPipe.
//
// This file implements an in-process lock used in tests and single-instance
// development runs.
package lock

import (
	"context"
	"sync"
)

// MemoryLock is a process-local Manager.
type MemoryLock struct {
	mu   sync.Mutex
	held bool
}

// Compile-time check that MemoryLock implements Manager.
var _ Manager = (*MemoryLock)(nil)

// NewMemoryLock creates an unheld in-process lock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{}
}

func (l *MemoryLock) TryAcquire(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *MemoryLock) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}
