package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

const jobColumns = `id, type, payload, status, attempt, max_attempts, not_before, last_error, created_at, updated_at, completed_at`

func (s *SQLiteStore) CreateJob(job *models.Job) error {
	_, err := s.db.Exec(
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, nilIfEmpty(string(job.Payload)), job.Status, job.Attempt, job.MaxAttempts,
		job.NotBefore, nilIfEmpty(job.LastError), job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create job failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateJob", "id", job.ID, "type", job.Type)
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *SQLiteStore) MarkProcessing(id string, expectAttempt int) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND attempt = ? AND status IN (?, ?)`,
		models.JobStatusProcessing, time.Now(), id, expectAttempt,
		models.JobStatusPending, models.JobStatusRetrying,
	)
	if err != nil {
		return false, fmt.Errorf("mark processing failed: %w", err)
	}
	return rowsAffected(result)
}

func (s *SQLiteStore) CompleteJob(id string, expectAttempt int) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE jobs SET status = ?, attempt = ?, last_error = NULL, updated_at = ?, completed_at = ?
		 WHERE id = ? AND attempt = ? AND status = ?`,
		models.JobStatusSucceeded, expectAttempt+1, now, now, id, expectAttempt, models.JobStatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("complete job failed: %w", err)
	}
	return rowsAffected(result)
}

func (s *SQLiteStore) RetryJob(id string, expectAttempt int, errMsg string, notBefore time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, not_before = ?, updated_at = ?
		 WHERE id = ? AND attempt = ? AND status = ?`,
		models.JobStatusRetrying, expectAttempt+1, errMsg, notBefore, time.Now(),
		id, expectAttempt, models.JobStatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("retry job failed: %w", err)
	}
	return rowsAffected(result)
}

func (s *SQLiteStore) FailJob(id string, expectAttempt int, errMsg string) (bool, error) {
	return s.finishSQLite(id, expectAttempt, errMsg, models.JobStatusFailed)
}

func (s *SQLiteStore) AbandonJob(id string, expectAttempt int, errMsg string) (bool, error) {
	return s.finishSQLite(id, expectAttempt, errMsg, models.JobStatusAbandoned)
}

func (s *SQLiteStore) finishSQLite(id string, expectAttempt int, errMsg string, status models.JobStatus) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, updated_at = ?, completed_at = ?
		 WHERE id = ? AND attempt = ? AND status = ?`,
		status, expectAttempt+1, errMsg, now, now, id, expectAttempt, models.JobStatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("finish job failed: %w", err)
	}
	return rowsAffected(result)
}

func (s *SQLiteStore) SetJobProgress(id string, status models.JobStatus, attempt int) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = ?, attempt = ?, updated_at = ? WHERE id = ?`,
		status, attempt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("set job progress failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUnfinishedJobs() ([]models.Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?, ?) ORDER BY created_at ASC`,
		models.JobStatusPending, models.JobStatusProcessing, models.JobStatusRetrying,
	)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs query failed: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unfinished jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) CountBacklog(cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE status IN (?, ?) AND not_before <= ?`,
		models.JobStatusPending, models.JobStatusRetrying, cutoff,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count backlog failed: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) AppendLogEntry(entry models.ExecutionLogEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO execution_log (job_id, attempt_number, status, started_at, finished_at, error_message, error_kind, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID, entry.AttemptNumber, entry.Status, entry.StartedAt, entry.FinishedAt,
		nilIfEmpty(entry.ErrorMessage), nilIfEmpty(string(entry.ErrorKind)), nilIfEmpty(string(entry.Result)),
	)
	if err != nil {
		return fmt.Errorf("append log entry failed: %w", err)
	}
	slog.Debug("SQLiteStore.AppendLogEntry", "jobID", entry.JobID, "attempt", entry.AttemptNumber, "status", entry.Status)
	return nil
}

func (s *SQLiteStore) ListLogEntries(jobID string) ([]models.ExecutionLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT job_id, attempt_number, status, started_at, finished_at, error_message, error_kind, result
		 FROM execution_log WHERE job_id = ? ORDER BY attempt_number ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list log entries query failed: %w", err)
	}
	defer rows.Close()

	var entries []models.ExecutionLogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list log entries iteration failed: %w", err)
	}
	return entries, nil
}
