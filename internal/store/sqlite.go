// Package store provides storage backends for TaskPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/TaskPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied")

	return &SQLiteStore{db: db}, nil
}

// Ping verifies connectivity with a round-trip query.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("sqlite round-trip failed: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateMessage(msg *models.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, content, created_at, processed_at, job_id) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.Content, msg.CreatedAt, msg.ProcessedAt, nilIfEmpty(msg.JobID),
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateMessage failed", "error", err, "id", msg.ID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	slog.Debug("SQLiteStore.CreateMessage", "id", msg.ID)
	return nil
}

func (s *SQLiteStore) GetMessage(id string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT id, content, created_at, processed_at, job_id FROM messages WHERE id = ?`, id,
	)
	m, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) ListMessages(limit int) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, content, created_at, processed_at, job_id FROM messages ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages query failed: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages iteration failed: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) MarkMessageProcessed(id string, jobID string, at time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE messages SET processed_at = ?, job_id = ? WHERE id = ? AND processed_at IS NULL`,
		at, jobID, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark message processed failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark message processed rows affected: %w", err)
	}
	return n > 0, nil
}
