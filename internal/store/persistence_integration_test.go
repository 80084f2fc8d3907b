package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskpipe.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	exerciseStore(t, s)
}

func TestSQLiteStoreCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state", "taskpipe.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to run.
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		t.Skip("DATABASE_URL not set")
	}
	s, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	// Clean slate for repeatable runs.
	s.db.Exec("DELETE FROM execution_log")
	s.db.Exec("DELETE FROM messages")
	s.db.Exec("DELETE FROM jobs")

	exerciseStore(t, s)
}
