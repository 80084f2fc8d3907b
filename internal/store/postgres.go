// Package store provides storage backends for TaskPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/TaskPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")

	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle for components that share the connection,
// such as the advisory-lock leader election.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies connectivity with a round-trip query.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("postgres round-trip failed: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateMessage(msg *models.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, content, created_at, processed_at, job_id) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.Content, msg.CreatedAt, msg.ProcessedAt, nilIfEmpty(msg.JobID),
	)
	if err != nil {
		slog.Error("PostgresStore.CreateMessage failed", "error", err, "id", msg.ID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	slog.Debug("PostgresStore.CreateMessage", "id", msg.ID)
	return nil
}

func (s *PostgresStore) GetMessage(id string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT id, content, created_at, processed_at, job_id FROM messages WHERE id = $1`, id,
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

func (s *PostgresStore) ListMessages(limit int) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, content, created_at, processed_at, job_id FROM messages ORDER BY created_at DESC LIMIT $1`,
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

func (s *PostgresStore) MarkMessageProcessed(id string, jobID string, at time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE messages SET processed_at = $1, job_id = $2 WHERE id = $3 AND processed_at IS NULL`,
		at, jobID, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark message processed failed: %w", err)
	}
	return rowsAffected(result)
}
