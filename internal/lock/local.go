// Package lock provides leader locks for TaskPipe.
//
// This file implements a file-based lock for single-host deployments using a
// syscall-level flock that the kernel releases if the process dies.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// LocalLockFileName is the name of the lock file created in the state directory.
const LocalLockFileName = "taskpipe.lock"

// LocalLock is a Manager backed by an exclusive flock on a file in the state
// directory. Suitable when all instances share a host or volume.
type LocalLock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// Compile-time check that LocalLock implements Manager.
var _ Manager = (*LocalLock)(nil)

// NewLocalLock creates a file lock under stateDir.
func NewLocalLock(stateDir string) *LocalLock {
	return &LocalLock{path: filepath.Join(stateDir, LocalLockFileName)}
}

func (l *LocalLock) TryAcquire(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return true, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create state directory: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("failed to lock %s: %w", l.path, err)
	}
	// Record the holder for operators inspecting a contended lock.
	file.Truncate(0)
	fmt.Fprintf(file, "pid=%d\n", os.Getpid())

	l.file = file
	slog.Debug("LocalLock.TryAcquire: lock acquired", "path", l.path, "pid", os.Getpid())
	return true, nil
}

func (l *LocalLock) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("LocalLock.Release: failed to release flock", "error", err, "path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	return err
}
