package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowsAffected reports whether a CAS update matched a row.
func rowsAffected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// scanJob scans a Job from sql.Rows.
func scanJob(rows *sql.Rows) (models.Job, error) {
	var j models.Job
	var payload, lastError sql.NullString
	var completedAt sql.NullTime
	err := rows.Scan(
		&j.ID, &j.Type, &payload, &j.Status, &j.Attempt, &j.MaxAttempts,
		&j.NotBefore, &lastError, &j.CreatedAt, &j.UpdatedAt, &completedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	fillJob(&j, payload, lastError, completedAt)
	return j, nil
}

// scanJobRow scans a Job from a single sql.Row.
func scanJobRow(row *sql.Row) (models.Job, error) {
	var j models.Job
	var payload, lastError sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Type, &payload, &j.Status, &j.Attempt, &j.MaxAttempts,
		&j.NotBefore, &lastError, &j.CreatedAt, &j.UpdatedAt, &completedAt,
	)
	if err != nil {
		return j, err
	}
	fillJob(&j, payload, lastError, completedAt)
	return j, nil
}

func fillJob(j *models.Job, payload, lastError sql.NullString, completedAt sql.NullTime) {
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	j.LastError = lastError.String
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
}

// scanLogEntry scans an ExecutionLogEntry from sql.Rows.
func scanLogEntry(rows *sql.Rows) (models.ExecutionLogEntry, error) {
	var e models.ExecutionLogEntry
	var errorMessage, errorKind, result sql.NullString
	err := rows.Scan(
		&e.JobID, &e.AttemptNumber, &e.Status, &e.StartedAt, &e.FinishedAt,
		&errorMessage, &errorKind, &result,
	)
	if err != nil {
		return e, fmt.Errorf("scan log entry failed: %w", err)
	}
	e.ErrorMessage = errorMessage.String
	e.ErrorKind = models.ErrorKind(errorKind.String)
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	return e, nil
}

// scanMessage scans a Message from sql.Rows.
func scanMessage(rows *sql.Rows) (models.Message, error) {
	var m models.Message
	var jobID sql.NullString
	var processedAt sql.NullTime
	err := rows.Scan(&m.ID, &m.Content, &m.CreatedAt, &processedAt, &jobID)
	if err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.JobID = jobID.String
	if processedAt.Valid {
		m.ProcessedAt = &processedAt.Time
	}
	return m, nil
}

// scanMessageRow scans a Message from a single sql.Row.
func scanMessageRow(row *sql.Row) (models.Message, error) {
	var m models.Message
	var jobID sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(&m.ID, &m.Content, &m.CreatedAt, &processedAt, &jobID)
	if err != nil {
		return m, err
	}
	m.JobID = jobID.String
	if processedAt.Valid {
		m.ProcessedAt = &processedAt.Time
	}
	return m, nil
}
