// Package health aggregates dependency probes into liveness, readiness, and
// comprehensive health reports for TaskPipe.
//
// Probes run concurrently under a per-probe timeout so one stuck dependency
// bounds the whole report instead of hanging it. Results are computed fresh
// for every request and never cached or persisted.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/queue"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// DefaultProbeTimeout bounds a single dependency probe.
const DefaultProbeTimeout = 2 * time.Second

// DefaultBacklogThreshold is the pending-job count above which the backlog
// probe reports unhealthy.
const DefaultBacklogThreshold = 1000

// Probe checks one dependency. An error (or a timeout) marks the component
// unhealthy.
type Probe interface {
	// Name identifies the component in reports.
	Name() string

	// Check verifies the dependency. Implementations must honor ctx.
	Check(ctx context.Context) error

	// Critical reports whether a failure makes the service not-ready.
	// Non-critical probes only appear in the comprehensive report.
	Critical() bool
}

// Opts holds configuration options for the aggregator.
type Opts struct {
	ProbeTimeout time.Duration
}

// Option defines a configuration option for the aggregator.
type Option func(*Opts)

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ProbeTimeout = d }
}

// Aggregator fans health requests out to the registered probe set.
type Aggregator struct {
	probes       []Probe
	queue        queue.Queue
	probeTimeout time.Duration
}

// NewAggregator creates an aggregator over the given probes. The queue is
// used for depth reporting in the comprehensive report and may be nil.
func NewAggregator(q queue.Queue, probes []Probe, opts ...Option) *Aggregator {
	cfg := Opts{ProbeTimeout: DefaultProbeTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &Aggregator{probes: probes, queue: q, probeTimeout: cfg.ProbeTimeout}
}

// Liveness reports whether the process is running. It always succeeds: a
// process that can answer is alive regardless of dependency state.
func (a *Aggregator) Liveness() models.LivenessReport {
	return models.LivenessReport{
		Status:    models.LivenessStatusOK,
		Component: "service",
		CheckedAt: time.Now(),
	}
}

// Readiness probes the critical dependencies and reports ready only if all
// pass.
func (a *Aggregator) Readiness(ctx context.Context) models.ReadinessReport {
	results := a.run(ctx, true)
	report := models.ReadinessReport{
		Status:     models.ReadinessStatusReady,
		Components: results,
		CheckedAt:  time.Now(),
	}
	for _, result := range results {
		if !result.Healthy {
			report.Status = models.ReadinessStatusNotReady
			break
		}
	}
	return report
}

// Health probes every dependency and returns the comprehensive report with
// pass/fail summary, queue depth, and total response time.
func (a *Aggregator) Health(ctx context.Context) models.HealthReport {
	started := time.Now()
	results := a.run(ctx, false)

	report := models.HealthReport{
		Status:     models.HealthStatusHealthy,
		Components: results,
		Summary:    models.HealthSummary{TotalChecks: len(results)},
		CheckedAt:  time.Now(),
	}
	for _, result := range results {
		if result.Healthy {
			report.Summary.Passed++
		} else {
			report.Summary.Failed++
			report.Status = models.HealthStatusUnhealthy
		}
	}
	if a.queue != nil {
		// The depth read is bounded like any probe so a hung backend cannot
		// stall the report.
		depthCtx, cancel := context.WithTimeout(ctx, a.probeTimeout)
		if depth, err := a.queue.Depth(depthCtx); err == nil {
			report.QueueDepth = depth
		} else {
			slog.Warn("Aggregator.Health: failed to read queue depth", "error", err)
		}
		cancel()
	}
	report.ResponseTimeMs = time.Since(started).Milliseconds()
	return report
}

// run executes probes concurrently, each under its own timeout.
func (a *Aggregator) run(ctx context.Context, criticalOnly bool) map[string]models.HealthCheckResult {
	results := make(map[string]models.HealthCheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, probe := range a.probes {
		if criticalOnly && !probe.Critical() {
			continue
		}
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			result := a.check(ctx, p)
			mu.Lock()
			results[p.Name()] = result
			mu.Unlock()
		}(probe)
	}
	wg.Wait()
	return results
}

func (a *Aggregator) check(ctx context.Context, p Probe) models.HealthCheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	started := time.Now()
	err := p.Check(probeCtx)
	result := models.HealthCheckResult{
		Component: p.Name(),
		Healthy:   err == nil,
		LatencyMs: time.Since(started).Milliseconds(),
		CheckedAt: time.Now(),
	}
	if err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			result.Detail = "timeout"
		} else {
			result.Detail = err.Error()
		}
		slog.Warn("Aggregator.check: probe failed", "component", p.Name(), "detail", result.Detail, "latency_ms", result.LatencyMs)
	}
	return result
}

// DataStoreProbe checks the primary store with a round-trip query.
type DataStoreProbe struct {
	Store store.Store
}

func (p *DataStoreProbe) Name() string                    { return "datastore" }
func (p *DataStoreProbe) Critical() bool                  { return true }
func (p *DataStoreProbe) Check(ctx context.Context) error { return p.Store.Ping(ctx) }

// QueueProbe checks the job queue backend.
type QueueProbe struct {
	Queue queue.Queue
}

func (p *QueueProbe) Name() string                    { return "queue" }
func (p *QueueProbe) Critical() bool                  { return true }
func (p *QueueProbe) Check(ctx context.Context) error { return p.Queue.Ping(ctx) }

// BacklogProbe reports unhealthy when the runnable backlog exceeds a
// threshold. Informational only: a backlogged service is still ready.
type BacklogProbe struct {
	Store     store.Store
	Threshold int
}

func (p *BacklogProbe) Name() string   { return "backlog" }
func (p *BacklogProbe) Critical() bool { return false }

func (p *BacklogProbe) Check(_ context.Context) error {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultBacklogThreshold
	}
	n, err := p.Store.CountBacklog(time.Now())
	if err != nil {
		return err
	}
	if n > threshold {
		return &BacklogError{Count: n, Threshold: threshold}
	}
	return nil
}

// BacklogError reports a runnable backlog above the configured threshold.
type BacklogError struct {
	Count     int
	Threshold int
}

func (e *BacklogError) Error() string {
	return fmt.Sprintf("backlog of %d jobs exceeds threshold %d", e.Count, e.Threshold)
}
