// Package jobs implements the TaskPipe job execution engine.
//
// This file implements the engine itself: job submission and the worker pool
// that leases deliveries from the queue, executes handlers, and records every
// completed attempt in the execution log before updating the job record.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/queue"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/util"
)

// Engine defaults.
const (
	// DefaultWorkerCount is the number of concurrent worker loops.
	DefaultWorkerCount = 4
	// DefaultShutdownGrace is how long Stop waits for in-flight handlers.
	DefaultShutdownGrace = 30 * time.Second
	// DefaultDequeueRetryDelay is the pause after a queue infrastructure error
	// before a worker polls again. Unrelated to per-job retry backoff.
	DefaultDequeueRetryDelay = time.Second
)

// EngineOpts holds configuration options for the engine.
type EngineOpts struct {
	WorkerCount       int
	ShutdownGrace     time.Duration
	DequeueRetryDelay time.Duration
}

// EngineOption defines a configuration option for the engine.
type EngineOption func(*EngineOpts)

// WithWorkerCount sets the number of concurrent workers.
func WithWorkerCount(n int) EngineOption {
	return func(o *EngineOpts) { o.WorkerCount = n }
}

// WithShutdownGrace sets how long Stop waits for in-flight handlers.
func WithShutdownGrace(d time.Duration) EngineOption {
	return func(o *EngineOpts) { o.ShutdownGrace = d }
}

// WithDequeueRetryDelay sets the pause after a queue infrastructure error.
func WithDequeueRetryDelay(d time.Duration) EngineOption {
	return func(o *EngineOpts) { o.DequeueRetryDelay = d }
}

// Engine accepts job submissions and runs the worker pool. Job state lives in
// the store; the queue only carries job IDs and delivery leases, so a lost
// queue never loses a job record.
type Engine struct {
	st         store.Store
	q          queue.Queue
	registry   *Registry
	instanceID string

	workerCount       int
	shutdownGrace     time.Duration
	dequeueRetryDelay time.Duration

	// inFlight tracks executing handlers so Stop can wait for them.
	inFlight *semaphore.Weighted

	startOnce  sync.Once
	stopOnce   sync.Once
	cancelRecv context.CancelFunc
	cancelExec context.CancelFunc
	wg         sync.WaitGroup
}

// NewEngine creates an engine over the given store, queue, and registry.
func NewEngine(st store.Store, q queue.Queue, registry *Registry, opts ...EngineOption) *Engine {
	cfg := EngineOpts{
		WorkerCount:       DefaultWorkerCount,
		ShutdownGrace:     DefaultShutdownGrace,
		DequeueRetryDelay: DefaultDequeueRetryDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.DequeueRetryDelay <= 0 {
		cfg.DequeueRetryDelay = DefaultDequeueRetryDelay
	}
	return &Engine{
		st:                st,
		q:                 q,
		registry:          registry,
		instanceID:        uuid.NewString(),
		workerCount:       cfg.WorkerCount,
		shutdownGrace:     cfg.ShutdownGrace,
		dequeueRetryDelay: cfg.DequeueRetryDelay,
		inFlight:          semaphore.NewWeighted(int64(cfg.WorkerCount)),
	}
}

// Submit validates, persists, and enqueues a new job, returning its ID. The
// job type must be registered; the error for an unreachable queue wraps
// queue.ErrUnavailable and the job record remains pending for recovery.
func (e *Engine) Submit(ctx context.Context, jobType string, payload json.RawMessage) (string, error) {
	req := models.SubmitRequest{Type: jobType, Payload: payload}
	if err := req.Validate(); err != nil {
		return "", err
	}
	policy, ok := e.registry.Policy(jobType)
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrUnknownJobType, jobType)
	}

	now := time.Now()
	job := &models.Job{
		ID:          util.GenerateJobID(),
		Type:        jobType,
		Payload:     payload,
		Status:      models.JobStatusPending,
		Attempt:     0,
		MaxAttempts: policy.MaxAttempts,
		NotBefore:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.st.CreateJob(job); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}
	if err := e.q.Enqueue(ctx, job.ID, now); err != nil {
		// The record exists and recovery re-enqueues pending jobs, but the
		// submitter must know the job is not in flight yet.
		slog.Error("Engine.Submit: enqueue failed", "jobID", job.ID, "type", jobType, "error", err)
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	slog.Info("Engine.Submit: job accepted", "jobID", job.ID, "type", jobType)
	return job.ID, nil
}

// Start launches the worker pool. Workers stop pulling new deliveries when
// Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		recvCtx, cancelRecv := context.WithCancel(ctx)
		execCtx, cancelExec := context.WithCancel(context.Background())
		e.cancelRecv = cancelRecv
		e.cancelExec = cancelExec
		slog.Info("Engine.Start: starting workers", "instance", e.instanceID, "count", e.workerCount)
		for i := 0; i < e.workerCount; i++ {
			e.wg.Add(1)
			workerID := fmt.Sprintf("%s/worker-%d", e.instanceID, i)
			go e.runWorker(recvCtx, execCtx, workerID)
		}
	})
}

// Stop stops dequeuing, waits up to the shutdown grace period for in-flight
// handlers, then cancels any still running and waits for workers to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancelRecv == nil {
			return
		}
		e.cancelRecv()

		graceCtx, cancel := context.WithTimeout(context.Background(), e.shutdownGrace)
		defer cancel()
		if err := e.inFlight.Acquire(graceCtx, int64(e.workerCount)); err != nil {
			slog.Warn("Engine.Stop: grace period expired, cancelling in-flight handlers")
		} else {
			e.inFlight.Release(int64(e.workerCount))
		}
		e.cancelExec()
		e.wg.Wait()
		slog.Info("Engine.Stop: all workers stopped")
	})
}

// runWorker is one worker loop: lease a delivery, process it, repeat.
func (e *Engine) runWorker(recvCtx, execCtx context.Context, workerID string) {
	defer e.wg.Done()
	for {
		delivery, err := e.q.Receive(recvCtx)
		if err != nil {
			if recvCtx.Err() != nil {
				return
			}
			slog.Warn("Engine.runWorker: dequeue failed", "worker", workerID, "error", err)
			select {
			case <-recvCtx.Done():
				return
			case <-time.After(e.dequeueRetryDelay):
			}
			continue
		}
		e.processDelivery(execCtx, workerID, delivery)
	}
}

// processDelivery runs one leased delivery through claim, execution,
// classification, and bookkeeping.
func (e *Engine) processDelivery(ctx context.Context, workerID string, delivery queue.Delivery) {
	jobID := delivery.JobID()
	logger := slog.With("worker", workerID, "jobID", jobID)

	job, err := e.st.GetJob(jobID)
	if err != nil {
		logger.Error("Engine.processDelivery: failed to load job", "error", err)
		e.retryDelivery(ctx, delivery, time.Now().Add(e.dequeueRetryDelay))
		return
	}
	if job == nil {
		// Queue entry without a record; nothing to run.
		logger.Warn("Engine.processDelivery: job record not found, dropping delivery")
		e.ackDelivery(ctx, delivery)
		return
	}
	if job.Status.IsTerminal() {
		// Redelivery of an attempt that already finished.
		logger.Debug("Engine.processDelivery: job already terminal", "status", job.Status)
		e.ackDelivery(ctx, delivery)
		return
	}
	if now := time.Now(); job.NotBefore.After(now) {
		// Delivered ahead of its backoff deadline; put it back.
		e.retryDelivery(ctx, delivery, job.NotBefore)
		return
	}

	claimed, err := e.st.MarkProcessing(job.ID, job.Attempt)
	if err != nil {
		logger.Error("Engine.processDelivery: failed to claim job", "error", err)
		e.retryDelivery(ctx, delivery, time.Now().Add(e.dequeueRetryDelay))
		return
	}
	if !claimed {
		// Another worker advanced this job first.
		logger.Debug("Engine.processDelivery: claim lost")
		e.ackDelivery(ctx, delivery)
		return
	}

	handler, policy, ok := e.registry.Lookup(job.Type)
	if !ok {
		// Registered at submission but gone now: a deploy removed the type.
		logger.Error("Engine.processDelivery: no handler registered", "type", job.Type)
		e.finishAttempt(ctx, logger, delivery, job, policy, attemptOutcome{
			startedAt:  time.Now(),
			finishedAt: time.Now(),
			err:        Permanentf("no handler registered for job type %s", job.Type),
			kind:       models.ErrorKindPermanent,
		})
		return
	}

	if err := e.inFlight.Acquire(ctx, 1); err != nil {
		// Shutting down before the handler started; release the claim without
		// consuming an attempt.
		e.revertClaim(logger, job)
		e.retryDelivery(context.Background(), delivery, time.Now())
		return
	}
	outcome := e.executeAttempt(ctx, handler, policy, job)
	e.inFlight.Release(1)

	e.finishAttempt(ctx, logger, delivery, job, policy, outcome)
}

type attemptOutcome struct {
	startedAt  time.Time
	finishedAt time.Time
	result     json.RawMessage
	err        error
	kind       models.ErrorKind
}

// executeAttempt invokes the handler under its execution timeout, converting
// panics into permanent failures.
func (e *Engine) executeAttempt(ctx context.Context, handler Handler, policy Policy, job *models.Job) (outcome attemptOutcome) {
	exec := &Execution{
		JobID:   job.ID,
		Type:    job.Type,
		Attempt: job.Attempt + 1,
		Payload: job.Payload,
	}
	execCtx, cancel := context.WithTimeout(ctx, policy.ExecutionTimeout)
	defer cancel()

	outcome.startedAt = time.Now()
	defer func() {
		outcome.finishedAt = time.Now()
		outcome.result = exec.Result()
		if r := recover(); r != nil {
			outcome.err = Permanentf("handler panicked: %v", r)
		}
		if outcome.err != nil {
			outcome.kind = ClassifyError(outcome.err, policy.Classify)
		}
	}()
	outcome.err = handler(execCtx, exec)
	return outcome
}

// finishAttempt appends the execution log entry and then advances the job
// record. The log write comes first: if the process dies between the two, the
// recovery pass rederives the job status from the log.
func (e *Engine) finishAttempt(ctx context.Context, logger *slog.Logger, delivery queue.Delivery, job *models.Job, policy Policy, outcome attemptOutcome) {
	attemptNumber := job.Attempt + 1
	entry := models.ExecutionLogEntry{
		JobID:         job.ID,
		AttemptNumber: attemptNumber,
		StartedAt:     outcome.startedAt,
		FinishedAt:    outcome.finishedAt,
	}
	if outcome.err == nil {
		entry.Status = models.ExecutionSucceeded
		entry.Result = outcome.result
	} else {
		entry.Status = models.ExecutionFailed
		entry.ErrorMessage = outcome.err.Error()
		entry.ErrorKind = outcome.kind
	}

	if err := e.st.AppendLogEntry(entry); err != nil {
		// Without a log entry the attempt never happened; redeliver it.
		logger.Error("Engine.finishAttempt: failed to append log entry", "attempt", attemptNumber, "error", err)
		e.revertClaim(logger, job)
		e.retryDelivery(ctx, delivery, time.Now().Add(e.dequeueRetryDelay))
		return
	}

	switch {
	case outcome.err == nil:
		if _, err := e.st.CompleteJob(job.ID, job.Attempt); err != nil {
			logger.Error("Engine.finishAttempt: failed to mark job succeeded", "error", err)
		}
		logger.Info("Engine.finishAttempt: job succeeded", "attempt", attemptNumber, "duration", outcome.finishedAt.Sub(outcome.startedAt))
		e.ackDelivery(ctx, delivery)

	case outcome.kind == models.ErrorKindPermanent:
		if _, err := e.st.FailJob(job.ID, job.Attempt, outcome.err.Error()); err != nil {
			logger.Error("Engine.finishAttempt: failed to mark job failed", "error", err)
		}
		logger.Warn("Engine.finishAttempt: job failed permanently", "attempt", attemptNumber, "error", outcome.err)
		e.ackDelivery(ctx, delivery)

	case attemptNumber >= job.MaxAttempts:
		if _, err := e.st.AbandonJob(job.ID, job.Attempt, outcome.err.Error()); err != nil {
			logger.Error("Engine.finishAttempt: failed to mark job abandoned", "error", err)
		}
		logger.Warn("Engine.finishAttempt: retry budget exhausted, job abandoned", "attempt", attemptNumber, "maxAttempts", job.MaxAttempts, "error", outcome.err)
		e.ackDelivery(ctx, delivery)

	default:
		delay := Backoff(attemptNumber, policy.BackoffBase, policy.BackoffCap)
		notBefore := time.Now().Add(delay)
		if _, err := e.st.RetryJob(job.ID, job.Attempt, outcome.err.Error(), notBefore); err != nil {
			logger.Error("Engine.finishAttempt: failed to schedule retry", "error", err)
		}
		logger.Info("Engine.finishAttempt: transient failure, retry scheduled", "attempt", attemptNumber, "delay", delay, "error", outcome.err)
		e.retryDelivery(ctx, delivery, notBefore)
	}
}

// revertClaim returns a claimed job to its pre-claim status without consuming
// an attempt. Used when a claim was taken but no execution completed.
func (e *Engine) revertClaim(logger *slog.Logger, job *models.Job) {
	status := models.JobStatusPending
	if job.Attempt > 0 {
		status = models.JobStatusRetrying
	}
	if err := e.st.SetJobProgress(job.ID, status, job.Attempt); err != nil {
		logger.Warn("Engine.revertClaim: failed to release claim", "error", err)
	}
}

func (e *Engine) ackDelivery(ctx context.Context, delivery queue.Delivery) {
	if err := delivery.Ack(ctx); err != nil {
		// The lease reaper redelivers it; terminal-state checks make that a no-op.
		slog.Warn("Engine.ackDelivery: ack failed", "jobID", delivery.JobID(), "error", err)
	}
}

func (e *Engine) retryDelivery(ctx context.Context, delivery queue.Delivery, notBefore time.Time) {
	if err := delivery.Retry(ctx, notBefore); err != nil {
		slog.Warn("Engine.retryDelivery: retry failed, lease will expire", "jobID", delivery.JobID(), "error", err)
	}
}
