// Package queue provides the durable job queue abstraction for TaskPipe.
//
// This file implements an in-memory queue used in tests and local development.
package queue

import (
	"context"
	"sync"
	"time"
)

// DefaultMemoryQueueCapacity bounds the ready buffer of the in-memory queue.
const DefaultMemoryQueueCapacity = 1024

// MemoryQueue is a process-local Queue without persistence. Delayed jobs are
// promoted by per-job timers; leases live only as long as the process.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   chan string
	delayed map[string]*time.Timer
	leases  map[string]struct{}
	closed  bool
}

// Compile-time check that MemoryQueue implements Queue.
var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready:   make(chan string, DefaultMemoryQueueCapacity),
		delayed: make(map[string]*time.Timer),
		leases:  make(map[string]struct{}),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string, notBefore time.Time) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	// Re-enqueueing replaces any pending timer so the job is delivered once.
	if timer, ok := q.delayed[jobID]; ok {
		timer.Stop()
		delete(q.delayed, jobID)
	}
	delay := time.Until(notBefore)
	if delay > 0 {
		q.delayed[jobID] = time.AfterFunc(delay, func() { q.promote(jobID) })
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	// The send happens outside the lock: a full buffer stalls only this
	// producer, never the other queue methods.
	q.ready <- jobID
	return nil
}

func (q *MemoryQueue) promote(jobID string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.delayed, jobID)
	q.mu.Unlock()
	q.ready <- jobID
}

func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case jobID, ok := <-q.ready:
		if !ok {
			return nil, ErrClosed
		}
		q.mu.Lock()
		q.leases[jobID] = struct{}{}
		q.mu.Unlock()
		return &memoryDelivery{queue: q, jobID: jobID}, nil
	}
}

func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed), nil
}

// Ping succeeds while the queue is open.
func (q *MemoryQueue) Ping(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close stops delayed timers and rejects further use.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, id)
	}
	return nil
}

type memoryDelivery struct {
	queue *MemoryQueue
	jobID string
}

func (d *memoryDelivery) JobID() string { return d.jobID }

func (d *memoryDelivery) Ack(_ context.Context) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	delete(d.queue.leases, d.jobID)
	return nil
}

func (d *memoryDelivery) Retry(ctx context.Context, notBefore time.Time) error {
	d.queue.mu.Lock()
	delete(d.queue.leases, d.jobID)
	d.queue.mu.Unlock()
	return d.queue.Enqueue(ctx, d.jobID, notBefore)
}
