// Package store provides storage backends for TaskPipe.
//
// It persists job records, the append-only execution log, and the minimal
// message records the built-in handlers act on. PostgreSQL and SQLite backends
// are provided, plus an in-memory store for tests and development.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// JobRepo defines durable job record persistence.
//
// The mutating methods are compare-and-set operations keyed on the current
// attempt counter: they return false (without error) when the stored record no
// longer matches expectAttempt, which makes them safe under concurrent
// redelivery of the same job.
type JobRepo interface {
	// CreateJob inserts a new job record.
	CreateJob(job *models.Job) error

	// GetJob retrieves a single job by ID. Returns (nil, nil) when absent.
	GetJob(id string) (*models.Job, error)

	// MarkProcessing transitions a pending or retrying job to processing.
	MarkProcessing(id string, expectAttempt int) (bool, error)

	// CompleteJob records a successful attempt: increments the attempt counter
	// and moves the job to the succeeded terminal state.
	CompleteJob(id string, expectAttempt int) (bool, error)

	// RetryJob records a transient failure: increments the attempt counter and
	// schedules the next attempt at notBefore.
	RetryJob(id string, expectAttempt int, errMsg string, notBefore time.Time) (bool, error)

	// FailJob records a permanent failure: increments the attempt counter and
	// moves the job to the failed terminal state regardless of remaining budget.
	FailJob(id string, expectAttempt int, errMsg string) (bool, error)

	// AbandonJob records a transient failure that exhausted the retry budget.
	AbandonJob(id string, expectAttempt int, errMsg string) (bool, error)

	// SetJobProgress overwrites a job's cached status and attempt counter.
	// Used to release a claim that never executed and by the recovery
	// reconciliation pass after rederiving progress from the log.
	SetJobProgress(id string, status models.JobStatus, attempt int) error

	// ListUnfinishedJobs returns all jobs not yet in a terminal state.
	ListUnfinishedJobs() ([]models.Job, error)

	// CountBacklog counts pending and retrying jobs that became runnable
	// before cutoff, signaling queue backlog.
	CountBacklog(cutoff time.Time) (int, error)
}

// ExecutionLogRepo defines the append-only execution log.
type ExecutionLogRepo interface {
	// AppendLogEntry writes one entry atomically. Entries are never updated
	// or deleted.
	AppendLogEntry(entry models.ExecutionLogEntry) error

	// ListLogEntries returns all entries for a job ordered by attempt number.
	ListLogEntries(jobID string) ([]models.ExecutionLogEntry, error)
}

// MessageRepo defines persistence for message records.
type MessageRepo interface {
	// CreateMessage inserts a new message record.
	CreateMessage(msg *models.Message) error

	// GetMessage retrieves a message by ID. Returns (nil, nil) when absent.
	GetMessage(id string) (*models.Message, error)

	// ListMessages returns up to limit messages, newest first.
	ListMessages(limit int) ([]models.Message, error)

	// MarkMessageProcessed stamps processed_at and the processing job ID.
	// Returns false when the message was already processed, so repeated
	// executions of the same job are no-ops.
	MarkMessageProcessed(id string, jobID string, at time.Time) (bool, error)
}

// Store combines all repositories with lifecycle and connectivity checks.
type Store interface {
	JobRepo
	ExecutionLogRepo
	MessageRepo

	// Ping verifies the backend is reachable with a round-trip query.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

// LatestStatus derives a job's current status purely from its execution log
// and retry policy. Used for recovery and audit; it must agree with the cached
// status whenever no attempt is in flight.
func LatestStatus(s Store, jobID string) (models.JobStatus, error) {
	job, err := s.GetJob(jobID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", nil
	}
	entries, err := s.ListLogEntries(jobID)
	if err != nil {
		return "", err
	}
	return DeriveStatus(entries, job.MaxAttempts), nil
}

// DeriveStatus computes a job status from its ordered log entries and the
// per-type retry budget.
func DeriveStatus(entries []models.ExecutionLogEntry, maxAttempts int) models.JobStatus {
	if len(entries) == 0 {
		return models.JobStatusPending
	}
	last := entries[len(entries)-1]
	switch last.Status {
	case models.ExecutionSucceeded:
		return models.JobStatusSucceeded
	case models.ExecutionStarted:
		return models.JobStatusProcessing
	case models.ExecutionFailed:
		if last.ErrorKind == models.ErrorKindPermanent {
			return models.JobStatusFailed
		}
		if maxAttempts > 0 && last.AttemptNumber >= maxAttempts {
			return models.JobStatusAbandoned
		}
		return models.JobStatusRetrying
	}
	return models.JobStatusPending
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its shape.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
