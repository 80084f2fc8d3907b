// Package models defines the core data structures for TaskPipe.
//
// It includes types for jobs, execution log entries, health check results,
// periodic schedule entries, and message records, which are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// JobStatusPending means the job is enqueued and waiting for a worker.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing means a worker currently holds the job's lease.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusSucceeded means the last attempt completed successfully. Terminal.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed means the job hit a permanent (non-retryable) failure. Terminal.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying means the last attempt failed transiently and the job
	// is waiting out its backoff delay.
	JobStatusRetrying JobStatus = "retrying"
	// JobStatusAbandoned means the job exhausted its retry budget. Terminal.
	JobStatusAbandoned JobStatus = "abandoned"
)

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusAbandoned:
		return true
	default:
		return false
	}
}

// IsValidJobStatus checks if the given job status is supported.
func IsValidJobStatus(s JobStatus) bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusSucceeded,
		JobStatusFailed, JobStatusRetrying, JobStatusAbandoned:
		return true
	default:
		return false
	}
}

// Job represents a unit of asynchronous work submitted for execution.
// Retries mutate the same record; per-attempt history lives in the execution log.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      JobStatus       `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	NotBefore   time.Time       `json:"not_before"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionStatus represents the outcome recorded in an execution log entry.
type ExecutionStatus string

const (
	// ExecutionStarted marks an attempt that is in flight. The engine never
	// persists this value; it exists for callers observing live executions.
	ExecutionStarted ExecutionStatus = "started"
	// ExecutionSucceeded marks an attempt that completed successfully.
	ExecutionSucceeded ExecutionStatus = "succeeded"
	// ExecutionFailed marks an attempt that returned an error.
	ExecutionFailed ExecutionStatus = "failed"
)

// ErrorKind classifies a failed attempt for retry decisions.
type ErrorKind string

const (
	// ErrorKindTransient marks a retry-eligible failure (network, dependency timeout).
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindPermanent marks a non-retryable failure (invalid payload, programmer bug).
	ErrorKindPermanent ErrorKind = "permanent"
)

// ExecutionLogEntry documents a single job attempt. Entries are append-only
// and ordered by AttemptNumber; they are the authoritative audit trail from
// which the Job's cached status can always be rederived.
type ExecutionLogEntry struct {
	JobID         string          `json:"job_id"`
	AttemptNumber int             `json:"attempt_number"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// HealthCheckResult holds the outcome of probing a single dependency.
// Results are computed fresh per health request and never persisted.
type HealthCheckResult struct {
	Component string    `json:"component"`
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
	Detail    string    `json:"detail,omitempty"`
}

// HealthSummary aggregates probe pass/fail counts for the comprehensive report.
type HealthSummary struct {
	TotalChecks int `json:"total_checks"`
	Passed      int `json:"passed"`
	Failed      int `json:"failed"`
}

// Liveness status value. Liveness is binary: a process that answers is alive.
const LivenessStatusOK = "ok"

// LivenessReport is returned by the liveness endpoint.
type LivenessReport struct {
	Status    string    `json:"status"` // always "ok"
	Component string    `json:"component"`
	CheckedAt time.Time `json:"checked_at"`
}

// Readiness status values.
const (
	ReadinessStatusReady    = "ready"
	ReadinessStatusNotReady = "not-ready"
)

// ReadinessReport is returned by the readiness endpoint.
type ReadinessReport struct {
	Status     string                       `json:"status"` // "ready" or "not-ready"
	Components map[string]HealthCheckResult `json:"components"`
	CheckedAt  time.Time                    `json:"checked_at"`
}

// Ready reports whether every component probe passed.
func (r ReadinessReport) Ready() bool {
	return r.Status == ReadinessStatusReady
}

// Overall health status values.
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
)

// HealthReport is the comprehensive diagnostic report, a superset of readiness.
type HealthReport struct {
	Status         string                       `json:"status"` // "healthy" or "unhealthy"
	Components     map[string]HealthCheckResult `json:"components"`
	Summary        HealthSummary                `json:"summary"`
	QueueDepth     int                          `json:"queue_depth"`
	ResponseTimeMs int64                        `json:"response_time_ms"`
	CheckedAt      time.Time                    `json:"checked_at"`
}

// PeriodicScheduleEntry describes a well-known job type fired at a fixed
// cadence. Entries are loaded once at startup and owned by the scheduler loop;
// exactly one of Interval or Cron must be set.
type PeriodicScheduleEntry struct {
	JobType     string          `json:"job_type"`
	Interval    time.Duration   `json:"interval,omitempty"`
	Cron        string          `json:"cron,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	LastFiredAt time.Time       `json:"last_fired_at"`
}

// Validate checks that the schedule entry is well-formed.
func (e *PeriodicScheduleEntry) Validate() error {
	if e.JobType == "" {
		return ErrEmptyJobType
	}
	if e.Interval <= 0 && e.Cron == "" {
		return ErrScheduleCadence
	}
	if e.Interval > 0 && e.Cron != "" {
		return ErrScheduleCadence
	}
	return nil
}

// Message is the minimal business record the built-in job handlers act on.
type Message struct {
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	JobID       string     `json:"job_id,omitempty"`
}

// Processed reports whether the message has been handled by a processing job.
func (m *Message) Processed() bool {
	return m.ProcessedAt != nil
}

// Validation constants.
const (
	// MaxMessageContentLength defines the maximum allowed length for message content.
	MaxMessageContentLength = 4096
	// MaxPayloadBytes defines the maximum accepted job payload size.
	MaxPayloadBytes = 64 * 1024
)

// Error variables for better error handling and testability.
var (
	ErrEmptyJobType    = errors.New("job type cannot be empty")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrEmptyContent    = errors.New("message content cannot be empty")
	ErrContentTooLong  = errors.New("message content exceeds maximum length")
	ErrScheduleCadence = errors.New("schedule entry requires exactly one of interval or cron")
	ErrUnknownJobType  = errors.New("no handler registered for job type")
)

// SubmitRequest is the payload for submitting a new job.
type SubmitRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate validates a SubmitRequest.
func (r *SubmitRequest) Validate() error {
	if r.Type == "" {
		return ErrEmptyJobType
	}
	if len(r.Payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}

// CreateMessageRequest is the payload for creating a message record.
type CreateMessageRequest struct {
	Content string `json:"content"`
}

// Validate validates a CreateMessageRequest.
func (r *CreateMessageRequest) Validate() error {
	if r.Content == "" {
		return ErrEmptyContent
	}
	if len(r.Content) > MaxMessageContentLength {
		return ErrContentTooLong
	}
	return nil
}

// API Response types for consistent JSON responses

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	// APIStatusOK indicates a successful API call.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates a failed API call.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
