// Package scheduler provides periodic job scheduling for TaskPipe.
//
// Schedules are declared as either a fixed interval or a cron expression and
// fire by submitting a job to the execution engine. Every instance runs a
// scheduler, but only the one holding the leader lock actually submits, so a
// due tick produces at most one job across the deployment. Missed ticks are
// not backfilled: a stopped scheduler resumes with the next due tick.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/TaskPipe/internal/lock"
	"github.com/BTreeMap/TaskPipe/internal/models"
)

// Submitter accepts jobs fired by due schedules. The execution engine
// satisfies this.
type Submitter interface {
	Submit(ctx context.Context, jobType string, payload json.RawMessage) (string, error)
}

// SubmitTimeout bounds the submission triggered by one due tick.
const SubmitTimeout = 10 * time.Second

// Scheduler drives periodic schedules over a cron runner.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	leader    lock.Manager

	mu        sync.Mutex
	isLeader  bool
	lastFired map[string]time.Time
}

// NewScheduler creates a stopped scheduler. Uses the standard 5-field cron
// format plus descriptors like @hourly and @every 5m, with panic recovery
// around schedule callbacks.
func NewScheduler(submitter Submitter, leader lock.Manager) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{
		cron:      c,
		submitter: submitter,
		leader:    leader,
		lastFired: make(map[string]time.Time),
	}
}

// Add registers a schedule. The entry must carry exactly one cadence: an
// interval or a cron expression.
func (s *Scheduler) Add(entry models.PeriodicScheduleEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	job := func() { s.fire(entry) }
	if entry.Cron != "" {
		if _, err := s.cron.AddFunc(entry.Cron, job); err != nil {
			return fmt.Errorf("invalid cron expression %q for %s: %w", entry.Cron, entry.JobType, err)
		}
	} else {
		s.cron.Schedule(cron.Every(entry.Interval), cron.FuncJob(job))
	}
	slog.Info("Scheduler.Add: schedule registered", "type", entry.JobType, "interval", entry.Interval, "cron", entry.Cron)
	return nil
}

// Start begins firing due schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("Scheduler.Start: scheduler started")
}

// Stop stops firing, waits for an in-flight tick, and releases leadership.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	wasLeader := s.isLeader
	s.isLeader = false
	s.mu.Unlock()
	if wasLeader {
		ctx, cancel := context.WithTimeout(context.Background(), SubmitTimeout)
		defer cancel()
		if err := s.leader.Release(ctx); err != nil {
			slog.Warn("Scheduler.Stop: failed to release leader lock", "error", err)
		}
	}
	slog.Info("Scheduler.Stop: scheduler stopped")
}

// LastFired returns when a schedule last submitted a job, if it has.
func (s *Scheduler) LastFired(jobType string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastFired[jobType]
	return at, ok
}

// fire runs one due tick: confirm leadership, then submit. A tick that finds
// another leader is skipped, not deferred.
func (s *Scheduler) fire(entry models.PeriodicScheduleEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), SubmitTimeout)
	defer cancel()

	if !s.ensureLeader(ctx) {
		slog.Debug("Scheduler.fire: not leader, skipping tick", "type", entry.JobType)
		return
	}

	jobID, err := s.submitter.Submit(ctx, entry.JobType, entry.Payload)
	if err != nil {
		slog.Error("Scheduler.fire: submission failed", "type", entry.JobType, "error", err)
		return
	}

	s.mu.Lock()
	s.lastFired[entry.JobType] = time.Now()
	s.mu.Unlock()
	slog.Info("Scheduler.fire: periodic job submitted", "type", entry.JobType, "jobID", jobID)
}

// ensureLeader acquires the leader lock once and keeps holding it.
func (s *Scheduler) ensureLeader(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isLeader {
		return true
	}
	acquired, err := s.leader.TryAcquire(ctx)
	if err != nil {
		slog.Warn("Scheduler.ensureLeader: leader lock check failed", "error", err)
		return false
	}
	s.isLeader = acquired
	if acquired {
		slog.Info("Scheduler.ensureLeader: became leader")
	}
	return acquired
}
