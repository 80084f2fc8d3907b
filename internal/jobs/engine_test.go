package jobs

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/queue"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// fastPolicy keeps retry delays short enough for tests.
func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:      maxAttempts,
		BackoffBase:      time.Millisecond,
		BackoffCap:       5 * time.Millisecond,
		ExecutionTimeout: time.Second,
	}
}

func newTestEngine(t *testing.T, registry *Registry) (*Engine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })
	eng := NewEngine(st, q, registry, WithWorkerCount(2), WithShutdownGrace(time.Second), WithDequeueRetryDelay(time.Millisecond))
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)
	return eng, st
}

func waitForStatus(t *testing.T, st store.Store, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = st.GetJob(jobID)
		require.NoError(t, err)
		return job != nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached status %s", jobID, want)
	return job
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	eng, _ := newTestEngine(t, NewRegistry())
	_, err := eng.Submit(context.Background(), "no-such-type", nil)
	assert.ErrorIs(t, err, models.ErrUnknownJobType)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("noop", func(context.Context, *Execution) error { return nil }, DefaultPolicy()))
	eng, _ := newTestEngine(t, registry)

	_, err := eng.Submit(context.Background(), "", nil)
	assert.ErrorIs(t, err, models.ErrEmptyJobType)

	big := json.RawMessage(`"` + string(make([]byte, models.MaxPayloadBytes)) + `"`)
	_, err = eng.Submit(context.Background(), "noop", big)
	assert.ErrorIs(t, err, models.ErrPayloadTooLarge)
}

func TestJobSucceedsOnFirstAttempt(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("greet", func(_ context.Context, exec *Execution) error {
		exec.SetResult(json.RawMessage(`{"greeting":"hello"}`))
		return nil
	}, fastPolicy(3)))
	eng, st := newTestEngine(t, registry)

	jobID, err := eng.Submit(context.Background(), "greet", json.RawMessage(`{"name":"world"}`))
	require.NoError(t, err)

	job := waitForStatus(t, st, jobID, models.JobStatusSucceeded)
	assert.Equal(t, 1, job.Attempt)
	require.NotNil(t, job.CompletedAt)

	entries, err := st.ListLogEntries(jobID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ExecutionSucceeded, entries[0].Status)
	assert.Equal(t, 1, entries[0].AttemptNumber)
	assert.JSONEq(t, `{"greeting":"hello"}`, string(entries[0].Result))
	assert.False(t, entries[0].FinishedAt.Before(entries[0].StartedAt))
}

func TestTransientFailuresRetryUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()
	require.NoError(t, registry.Register("flaky", func(context.Context, *Execution) error {
		if calls.Add(1) < 3 {
			return Transientf("connection reset")
		}
		return nil
	}, fastPolicy(3)))
	eng, st := newTestEngine(t, registry)

	jobID, err := eng.Submit(context.Background(), "flaky", nil)
	require.NoError(t, err)

	job := waitForStatus(t, st, jobID, models.JobStatusSucceeded)
	assert.Equal(t, 3, job.Attempt)

	entries, err := st.ListLogEntries(jobID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries[:2] {
		assert.Equal(t, models.ExecutionFailed, entry.Status)
		assert.Equal(t, models.ErrorKindTransient, entry.ErrorKind)
		assert.Equal(t, i+1, entry.AttemptNumber)
	}
	assert.Equal(t, models.ExecutionSucceeded, entries[2].Status)
	assert.Equal(t, 3, entries[2].AttemptNumber)
}

func TestRetryBudgetExhaustedAbandonsJob(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("doomed", func(context.Context, *Execution) error {
		return Transientf("still down")
	}, fastPolicy(3)))
	eng, st := newTestEngine(t, registry)

	jobID, err := eng.Submit(context.Background(), "doomed", nil)
	require.NoError(t, err)

	job := waitForStatus(t, st, jobID, models.JobStatusAbandoned)
	assert.Equal(t, 3, job.Attempt)
	assert.Contains(t, job.LastError, "still down")
	require.NotNil(t, job.CompletedAt)

	entries, err := st.ListLogEntries(jobID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, entry := range entries {
		assert.Equal(t, models.ExecutionFailed, entry.Status)
		assert.Equal(t, models.ErrorKindTransient, entry.ErrorKind)
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()
	require.NoError(t, registry.Register("broken", func(context.Context, *Execution) error {
		calls.Add(1)
		return Permanentf("payload missing required field")
	}, fastPolicy(3)))
	eng, st := newTestEngine(t, registry)

	jobID, err := eng.Submit(context.Background(), "broken", nil)
	require.NoError(t, err)

	job := waitForStatus(t, st, jobID, models.JobStatusFailed)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, int32(1), calls.Load())

	entries, err := st.ListLogEntries(jobID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ErrorKindPermanent, entries[0].ErrorKind)
}

func TestHandlerPanicFailsPermanently(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("panicky", func(context.Context, *Execution) error {
		panic("nil map write")
	}, fastPolicy(3)))
	eng, st := newTestEngine(t, registry)

	jobID, err := eng.Submit(context.Background(), "panicky", nil)
	require.NoError(t, err)

	job := waitForStatus(t, st, jobID, models.JobStatusFailed)
	assert.Contains(t, job.LastError, "handler panicked")

	entries, err := st.ListLogEntries(jobID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ErrorKindPermanent, entries[0].ErrorKind)
}

func TestExecutionTimeoutIsTransient(t *testing.T) {
	policy := fastPolicy(2)
	policy.ExecutionTimeout = 10 * time.Millisecond
	registry := NewRegistry()
	require.NoError(t, registry.Register("slow", func(ctx context.Context, _ *Execution) error {
		<-ctx.Done()
		return ctx.Err()
	}, policy))
	eng, st := newTestEngine(t, registry)

	jobID, err := eng.Submit(context.Background(), "slow", nil)
	require.NoError(t, err)

	waitForStatus(t, st, jobID, models.JobStatusAbandoned)
	entries, err := st.ListLogEntries(jobID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, models.ErrorKindTransient, entry.ErrorKind)
	}
}

func TestHandlerSeesAttemptAndPayload(t *testing.T) {
	var attempts []int
	var gotPayload json.RawMessage
	var calls atomic.Int32
	registry := NewRegistry()
	require.NoError(t, registry.Register("probe", func(_ context.Context, exec *Execution) error {
		attempts = append(attempts, exec.Attempt)
		gotPayload = exec.Payload
		if calls.Add(1) < 2 {
			return Transientf("again")
		}
		return nil
	}, fastPolicy(3)))
	eng, st := newTestEngine(t, registry)

	jobID, err := eng.Submit(context.Background(), "probe", json.RawMessage(`{"k":1}`))
	require.NoError(t, err)

	waitForStatus(t, st, jobID, models.JobStatusSucceeded)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.JSONEq(t, `{"k":1}`, string(gotPayload))
}

func TestTerminalJobRedeliveryIsNoOp(t *testing.T) {
	registry := NewRegistry()
	var calls atomic.Int32
	require.NoError(t, registry.Register("done", func(context.Context, *Execution) error {
		calls.Add(1)
		return nil
	}, fastPolicy(1)))

	st := store.NewInMemoryStore()
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })

	now := time.Now()
	completed := now
	require.NoError(t, st.CreateJob(&models.Job{
		ID:          "job_finished",
		Type:        "done",
		Status:      models.JobStatusSucceeded,
		Attempt:     1,
		MaxAttempts: 1,
		NotBefore:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &completed,
	}))
	require.NoError(t, q.Enqueue(context.Background(), "job_finished", now))

	eng := NewEngine(st, q, registry, WithWorkerCount(1), WithDequeueRetryDelay(time.Millisecond))
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)

	require.Eventually(t, func() bool {
		depth, err := q.Depth(context.Background())
		require.NoError(t, err)
		return depth == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	entries, err := st.ListLogEntries("job_finished")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentSubmissions(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("noop", func(context.Context, *Execution) error { return nil }, fastPolicy(3)))
	eng, st := newTestEngine(t, registry)

	const n = 20
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := eng.Submit(context.Background(), "noop", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		job := waitForStatus(t, st, id, models.JobStatusSucceeded)
		assert.Equal(t, 1, job.Attempt)
	}
}
