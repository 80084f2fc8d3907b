package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

func (s *PostgresStore) CreateJob(job *models.Job) error {
	_, err := s.db.Exec(
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Type, nilIfEmpty(string(job.Payload)), job.Status, job.Attempt, job.MaxAttempts,
		job.NotBefore, nilIfEmpty(job.LastError), job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create job failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateJob", "id", job.ID, "type", job.Type)
	return nil
}

func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) MarkProcessing(id string, expectAttempt int) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE jobs SET status = $1, updated_at = $2
		 WHERE id = $3 AND attempt = $4 AND status IN ($5, $6)`,
		models.JobStatusProcessing, time.Now(), id, expectAttempt,
		models.JobStatusPending, models.JobStatusRetrying,
	)
	if err != nil {
		return false, fmt.Errorf("mark processing failed: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) CompleteJob(id string, expectAttempt int) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE jobs SET status = $1, attempt = $2, last_error = NULL, updated_at = $3, completed_at = $4
		 WHERE id = $5 AND attempt = $6 AND status = $7`,
		models.JobStatusSucceeded, expectAttempt+1, now, now, id, expectAttempt, models.JobStatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("complete job failed: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) RetryJob(id string, expectAttempt int, errMsg string, notBefore time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE jobs SET status = $1, attempt = $2, last_error = $3, not_before = $4, updated_at = $5
		 WHERE id = $6 AND attempt = $7 AND status = $8`,
		models.JobStatusRetrying, expectAttempt+1, errMsg, notBefore, time.Now(),
		id, expectAttempt, models.JobStatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("retry job failed: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) FailJob(id string, expectAttempt int, errMsg string) (bool, error) {
	return s.finishPostgres(id, expectAttempt, errMsg, models.JobStatusFailed)
}

func (s *PostgresStore) AbandonJob(id string, expectAttempt int, errMsg string) (bool, error) {
	return s.finishPostgres(id, expectAttempt, errMsg, models.JobStatusAbandoned)
}

func (s *PostgresStore) finishPostgres(id string, expectAttempt int, errMsg string, status models.JobStatus) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE jobs SET status = $1, attempt = $2, last_error = $3, updated_at = $4, completed_at = $5
		 WHERE id = $6 AND attempt = $7 AND status = $8`,
		status, expectAttempt+1, errMsg, now, now, id, expectAttempt, models.JobStatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("finish job failed: %w", err)
	}
	return rowsAffected(result)
}

func (s *PostgresStore) SetJobProgress(id string, status models.JobStatus, attempt int) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = $1, attempt = $2, updated_at = $3 WHERE id = $4`,
		status, attempt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("set job progress failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnfinishedJobs() ([]models.Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status IN ($1, $2, $3) ORDER BY created_at ASC`,
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

func (s *PostgresStore) CountBacklog(cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE status IN ($1, $2) AND not_before <= $3`,
		models.JobStatusPending, models.JobStatusRetrying, cutoff,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count backlog failed: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) AppendLogEntry(entry models.ExecutionLogEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO execution_log (job_id, attempt_number, status, started_at, finished_at, error_message, error_kind, result)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.JobID, entry.AttemptNumber, entry.Status, entry.StartedAt, entry.FinishedAt,
		nilIfEmpty(entry.ErrorMessage), nilIfEmpty(string(entry.ErrorKind)), nilIfEmpty(string(entry.Result)),
	)
	if err != nil {
		return fmt.Errorf("append log entry failed: %w", err)
	}
	slog.Debug("PostgresStore.AppendLogEntry", "jobID", entry.JobID, "attempt", entry.AttemptNumber, "status", entry.Status)
	return nil
}

func (s *PostgresStore) ListLogEntries(jobID string) ([]models.ExecutionLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT job_id, attempt_number, status, started_at, finished_at, error_message, error_kind, result
		 FROM execution_log WHERE job_id = $1 ORDER BY attempt_number ASC`,
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
