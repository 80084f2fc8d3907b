// Package queue provides the durable job queue abstraction for TaskPipe.
//
// The queue owns in-flight delivery state: a received job is leased to exactly
// one worker until it is acknowledged, retried, or the lease expires and a
// reaper makes it deliverable again. Delivery is at-least-once.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the queue infrastructure cannot be reached.
// Submission callers receive this as a service-unavailable condition.
var ErrUnavailable = errors.New("queue unavailable")

// ErrClosed indicates the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Delivery represents a leased job. Exactly one of Ack or Retry must be
// called to resolve the lease.
type Delivery interface {
	// JobID returns the ID of the delivered job.
	JobID() string

	// Ack resolves the delivery; the job will not be redelivered.
	Ack(ctx context.Context) error

	// Retry resolves the delivery and schedules redelivery no earlier than
	// notBefore.
	Retry(ctx context.Context, notBefore time.Time) error
}

// Queue is the enqueue/dequeue interface shared by the execution engine, the
// periodic scheduler, and external submitters.
type Queue interface {
	// Enqueue makes the job deliverable no earlier than notBefore.
	Enqueue(ctx context.Context, jobID string, notBefore time.Time) error

	// Receive blocks until a job is available or ctx is done. The returned
	// delivery holds the job's lease.
	Receive(ctx context.Context) (Delivery, error)

	// Depth returns the number of jobs waiting for delivery (ready plus delayed).
	Depth(ctx context.Context) (int, error)

	// Ping verifies the queue backend is reachable.
	Ping(ctx context.Context) error

	// Close stops background maintenance and releases resources.
	Close() error
}
