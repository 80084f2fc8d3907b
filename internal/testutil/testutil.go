// Package testutil provides common test utilities and helpers for TaskPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/api"
	"github.com/BTreeMap/TaskPipe/internal/health"
	"github.com/BTreeMap/TaskPipe/internal/jobs"
	"github.com/BTreeMap/TaskPipe/internal/messaging"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/queue"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/tasks"
)

// Env bundles a fully wired in-memory service instance for tests.
type Env struct {
	Server    *api.Server
	Store     *store.InMemoryStore
	Queue     *queue.MemoryQueue
	Engine    *jobs.Engine
	Registry  *jobs.Registry
	Messenger *messaging.MockService
}

// NewTestEnv creates a test instance with in-memory dependencies: store,
// queue, engine with the built-in handlers, health aggregator, and API
// server. The engine's workers are started and stopped with the test.
func NewTestEnv(t *testing.T) *Env {
	t.Helper()

	st := store.NewInMemoryStore()
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })

	registry := jobs.NewRegistry()
	messenger := messaging.NewMockService()
	engine := jobs.NewEngine(st, q, registry,
		jobs.WithWorkerCount(2),
		jobs.WithShutdownGrace(time.Second),
		jobs.WithDequeueRetryDelay(time.Millisecond))
	if err := tasks.RegisterAll(registry, tasks.Deps{Store: st, Messenger: messenger, Submitter: engine}); err != nil {
		t.Fatalf("failed to register built-in job types: %v", err)
	}
	engine.Start(context.Background())
	t.Cleanup(engine.Stop)

	aggregator := health.NewAggregator(q, []health.Probe{
		&health.DataStoreProbe{Store: st},
		&health.QueueProbe{Queue: q},
		&health.BacklogProbe{Store: st},
	})

	server := api.NewServer(st, engine, aggregator)
	return &Env{
		Server:    server,
		Store:     st,
		Queue:     q,
		Engine:    engine,
		Registry:  registry,
		Messenger: messenger,
	}
}

// WaitForJobStatus polls until the job reaches the wanted status.
func WaitForJobStatus(t *testing.T, st store.Store, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(jobID)
		if err != nil {
			t.Fatalf("failed to load job %s: %v", jobID, err)
		}
		if job != nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return nil
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}
