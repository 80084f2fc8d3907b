// Package store provides storage backends for TaskPipe.
//
// This file implements an in-memory store used in tests and local development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// InMemoryStore is a mutex-guarded Store implementation without persistence.
type InMemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*models.Job
	entries  map[string][]models.ExecutionLogEntry
	messages map[string]*models.Message
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:     make(map[string]*models.Job),
		entries:  make(map[string][]models.ExecutionLogEntry),
		messages: make(map[string]*models.Message),
	}
}

// Ping always succeeds for the in-memory store.
func (s *InMemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *InMemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	clone := *j
	return &clone, nil
}

func (s *InMemoryStore) MarkProcessing(id string, expectAttempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Attempt != expectAttempt {
		return false, nil
	}
	if j.Status != models.JobStatusPending && j.Status != models.JobStatusRetrying {
		return false, nil
	}
	j.Status = models.JobStatusProcessing
	j.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) CompleteJob(id string, expectAttempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Attempt != expectAttempt || j.Status != models.JobStatusProcessing {
		return false, nil
	}
	now := time.Now()
	j.Status = models.JobStatusSucceeded
	j.Attempt = expectAttempt + 1
	j.LastError = ""
	j.UpdatedAt = now
	j.CompletedAt = &now
	return true, nil
}

func (s *InMemoryStore) RetryJob(id string, expectAttempt int, errMsg string, notBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Attempt != expectAttempt || j.Status != models.JobStatusProcessing {
		return false, nil
	}
	j.Status = models.JobStatusRetrying
	j.Attempt = expectAttempt + 1
	j.LastError = errMsg
	j.NotBefore = notBefore
	j.UpdatedAt = time.Now()
	return true, nil
}

func (s *InMemoryStore) FailJob(id string, expectAttempt int, errMsg string) (bool, error) {
	return s.finish(id, expectAttempt, errMsg, models.JobStatusFailed)
}

func (s *InMemoryStore) AbandonJob(id string, expectAttempt int, errMsg string) (bool, error) {
	return s.finish(id, expectAttempt, errMsg, models.JobStatusAbandoned)
}

func (s *InMemoryStore) finish(id string, expectAttempt int, errMsg string, status models.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Attempt != expectAttempt || j.Status != models.JobStatusProcessing {
		return false, nil
	}
	now := time.Now()
	j.Status = status
	j.Attempt = expectAttempt + 1
	j.LastError = errMsg
	j.UpdatedAt = now
	j.CompletedAt = &now
	return true, nil
}

func (s *InMemoryStore) SetJobProgress(id string, status models.JobStatus, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = status
		j.Attempt = attempt
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) ListUnfinishedJobs() ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []models.Job
	for _, j := range s.jobs {
		if !j.Status.IsTerminal() {
			jobs = append(jobs, *j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

func (s *InMemoryStore) CountBacklog(cutoff time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.jobs {
		if (j.Status == models.JobStatusPending || j.Status == models.JobStatusRetrying) && !j.NotBefore.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AppendLogEntry(entry models.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.JobID] = append(s.entries[entry.JobID], entry)
	return nil
}

func (s *InMemoryStore) ListLogEntries(jobID string) ([]models.ExecutionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]models.ExecutionLogEntry, len(s.entries[jobID]))
	copy(entries, s.entries[jobID])
	sort.Slice(entries, func(i, k int) bool { return entries[i].AttemptNumber < entries[k].AttemptNumber })
	return entries, nil
}

func (s *InMemoryStore) CreateMessage(msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *msg
	s.messages[msg.ID] = &clone
	return nil
}

func (s *InMemoryStore) GetMessage(id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	clone := *m
	return &clone, nil
}

func (s *InMemoryStore) ListMessages(limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var messages []models.Message
	for _, m := range s.messages {
		messages = append(messages, *m)
	}
	sort.Slice(messages, func(i, k int) bool { return messages[i].CreatedAt.After(messages[k].CreatedAt) })
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (s *InMemoryStore) MarkMessageProcessed(id string, jobID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.ProcessedAt != nil {
		return false, nil
	}
	m.ProcessedAt = &at
	m.JobID = jobID
	return true, nil
}
