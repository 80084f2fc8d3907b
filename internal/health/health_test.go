package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/queue"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

type stubProbe struct {
	name     string
	critical bool
	err      error
	delay    time.Duration
}

func (p *stubProbe) Name() string   { return p.name }
func (p *stubProbe) Critical() bool { return p.critical }

func (p *stubProbe) Check(ctx context.Context) error {
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay):
		}
	}
	return p.err
}

// hangingDepthQueue is a Queue whose Depth blocks until its context dies.
type hangingDepthQueue struct{}

func (hangingDepthQueue) Enqueue(context.Context, string, time.Time) error { return nil }
func (hangingDepthQueue) Receive(ctx context.Context) (queue.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (hangingDepthQueue) Depth(ctx context.Context) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
func (hangingDepthQueue) Ping(context.Context) error { return nil }
func (hangingDepthQueue) Close() error               { return nil }

func TestLivenessAlwaysOK(t *testing.T) {
	a := NewAggregator(nil, nil)
	report := a.Liveness()
	assert.Equal(t, models.LivenessStatusOK, report.Status)
	assert.Equal(t, "service", report.Component)
}

func TestReadinessAllCriticalPass(t *testing.T) {
	a := NewAggregator(nil, []Probe{
		&stubProbe{name: "datastore", critical: true},
		&stubProbe{name: "queue", critical: true},
	})
	report := a.Readiness(context.Background())
	assert.True(t, report.Ready())
	assert.Len(t, report.Components, 2)
	for _, result := range report.Components {
		assert.True(t, result.Healthy)
	}
}

func TestReadinessFailsWhenCriticalProbeFails(t *testing.T) {
	a := NewAggregator(nil, []Probe{
		&stubProbe{name: "datastore", critical: true},
		&stubProbe{name: "queue", critical: true, err: errors.New("connection refused")},
	})
	report := a.Readiness(context.Background())
	assert.False(t, report.Ready())
	assert.Equal(t, models.ReadinessStatusNotReady, report.Status)
	assert.Contains(t, report.Components["queue"].Detail, "connection refused")
}

func TestReadinessIgnoresNonCriticalProbes(t *testing.T) {
	a := NewAggregator(nil, []Probe{
		&stubProbe{name: "datastore", critical: true},
		&stubProbe{name: "backlog", critical: false, err: errors.New("backlog high")},
	})
	report := a.Readiness(context.Background())
	assert.True(t, report.Ready())
	_, present := report.Components["backlog"]
	assert.False(t, present)
}

func TestStuckProbeTimesOut(t *testing.T) {
	a := NewAggregator(nil, []Probe{
		&stubProbe{name: "datastore", critical: true, delay: 10 * time.Second},
	}, WithProbeTimeout(50*time.Millisecond))

	started := time.Now()
	report := a.Readiness(context.Background())
	elapsed := time.Since(started)

	assert.False(t, report.Ready())
	assert.Equal(t, "timeout", report.Components["datastore"].Detail)
	assert.Less(t, elapsed, time.Second, "a stuck probe must not hang the report")
}

func TestHealthReportSummaryAndStatus(t *testing.T) {
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })
	require.NoError(t, q.Enqueue(context.Background(), "job_1", time.Now().Add(time.Hour)))

	a := NewAggregator(q, []Probe{
		&stubProbe{name: "datastore", critical: true},
		&stubProbe{name: "queue", critical: true},
		&stubProbe{name: "backlog", critical: false, err: errors.New("backlog high")},
	})
	report := a.Health(context.Background())

	assert.Equal(t, models.HealthStatusUnhealthy, report.Status)
	assert.Equal(t, 3, report.Summary.TotalChecks)
	assert.Equal(t, 2, report.Summary.Passed)
	assert.Equal(t, 1, report.Summary.Failed)
	assert.Equal(t, 1, report.QueueDepth)
	assert.GreaterOrEqual(t, report.ResponseTimeMs, int64(0))
}

func TestHealthReportHealthyWhenAllPass(t *testing.T) {
	a := NewAggregator(nil, []Probe{
		&stubProbe{name: "datastore", critical: true},
	})
	report := a.Health(context.Background())
	assert.Equal(t, models.HealthStatusHealthy, report.Status)
	assert.Zero(t, report.Summary.Failed)
}

func TestHealthDepthReadBounded(t *testing.T) {
	a := NewAggregator(hangingDepthQueue{}, []Probe{
		&stubProbe{name: "datastore", critical: true},
	}, WithProbeTimeout(50*time.Millisecond))

	started := time.Now()
	report := a.Health(context.Background())
	elapsed := time.Since(started)

	assert.Less(t, elapsed, time.Second, "a hung depth read must not stall the report")
	assert.Zero(t, report.QueueDepth)
	assert.Equal(t, models.HealthStatusHealthy, report.Status)
}

func TestBuiltinProbes(t *testing.T) {
	st := store.NewInMemoryStore()
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })

	ds := &DataStoreProbe{Store: st}
	assert.Equal(t, "datastore", ds.Name())
	assert.True(t, ds.Critical())
	assert.NoError(t, ds.Check(context.Background()))

	qp := &QueueProbe{Queue: q}
	assert.True(t, qp.Critical())
	assert.NoError(t, qp.Check(context.Background()))

	bp := &BacklogProbe{Store: st, Threshold: 0}
	assert.False(t, bp.Critical())
	assert.NoError(t, bp.Check(context.Background()))
}

func TestBacklogProbeThreshold(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.CreateJob(&models.Job{
			ID:        fmt.Sprintf("job_%d", i),
			Type:      "noop",
			Status:    models.JobStatusPending,
			NotBefore: now,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	bp := &BacklogProbe{Store: st, Threshold: 2}
	err := bp.Check(context.Background())
	require.Error(t, err)
	var backlogErr *BacklogError
	require.ErrorAs(t, err, &backlogErr)
	assert.Equal(t, 3, backlogErr.Count)
}
