// Package lock provides leader locks for TaskPipe.
//
// This file implements the lock on PostgreSQL advisory locks. Advisory locks
// are session-scoped, so the manager pins a dedicated connection for the
// lifetime of the hold; losing the connection loses the lock, which is exactly
// the failover behavior a leader lock wants.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
)

// PostgresLock is a Manager backed by pg_try_advisory_lock.
type PostgresLock struct {
	db    *sql.DB
	keyID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// Compile-time check that PostgresLock implements Manager.
var _ Manager = (*PostgresLock)(nil)

// NewPostgresLock creates an advisory lock identified by name.
func NewPostgresLock(db *sql.DB, name string) *PostgresLock {
	return &PostgresLock{db: db, keyID: KeyID(name)}
}

func (l *PostgresLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to pin connection for advisory lock: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.keyID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	slog.Debug("PostgresLock.TryAcquire: advisory lock acquired", "keyID", l.keyID)
	return true, nil
}

func (l *PostgresLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.keyID)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return closeErr
}
