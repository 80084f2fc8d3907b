// Package recovery reconciles job state after an application restart.
//
// A crash can interrupt a job anywhere between claiming it and updating its
// record, but the append-only execution log always reflects the attempts that
// actually completed. On startup the recovery pass rederives each unfinished
// job's progress from its log, repairs the cached record where the two
// disagree, and returns runnable jobs to the queue.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/queue"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// Stats summarizes one recovery pass.
type Stats struct {
	Examined int
	Repaired int
	Requeued int
}

// Manager runs the startup reconciliation pass.
type Manager struct {
	st store.Store
	q  queue.Queue
}

// NewManager creates a recovery manager.
func NewManager(st store.Store, q queue.Queue) *Manager {
	return &Manager{st: st, q: q}
}

// RecoverJobs reconciles every unfinished job and re-enqueues the runnable
// ones. Individual job failures are logged and skipped so one bad record does
// not block startup.
func (m *Manager) RecoverJobs(ctx context.Context) (Stats, error) {
	var stats Stats

	unfinished, err := m.st.ListUnfinishedJobs()
	if err != nil {
		return stats, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	slog.Info("Manager.RecoverJobs: reconciling unfinished jobs", "count", len(unfinished))

	for _, job := range unfinished {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Examined++

		entries, err := m.st.ListLogEntries(job.ID)
		if err != nil {
			slog.Error("Manager.RecoverJobs: failed to load log", "jobID", job.ID, "error", err)
			continue
		}
		derived := store.DeriveStatus(entries, job.MaxAttempts)
		completed := len(entries)

		if derived != job.Status || completed != job.Attempt {
			slog.Warn("Manager.RecoverJobs: repairing job record",
				"jobID", job.ID,
				"cachedStatus", job.Status, "derivedStatus", derived,
				"cachedAttempt", job.Attempt, "completedAttempts", completed)
			if err := m.st.SetJobProgress(job.ID, derived, completed); err != nil {
				slog.Error("Manager.RecoverJobs: repair failed", "jobID", job.ID, "error", err)
				continue
			}
			stats.Repaired++
		}

		if derived == models.JobStatusPending || derived == models.JobStatusRetrying {
			notBefore := job.NotBefore
			if now := time.Now(); notBefore.Before(now) {
				notBefore = now
			}
			if err := m.q.Enqueue(ctx, job.ID, notBefore); err != nil {
				slog.Error("Manager.RecoverJobs: re-enqueue failed", "jobID", job.ID, "error", err)
				continue
			}
			stats.Requeued++
		}
	}

	slog.Info("Manager.RecoverJobs: reconciliation complete",
		"examined", stats.Examined, "repaired", stats.Repaired, "requeued", stats.Requeued)
	return stats, nil
}
