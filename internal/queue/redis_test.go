package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQueueOrSkip(t *testing.T) *RedisQueue {
	t.Helper()
	// Requires a running Redis instance; set REDIS_URL to run.
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	q, err := NewRedisQueue(
		WithRedisURL(url),
		WithKeyPrefix("taskpipe:test:"+t.Name()),
		WithLeaseTTL(time.Second),
	)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := newRedisQueueOrSkip(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job_rt", time.Now()))
	delivery, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_rt", delivery.JobID())
	require.NoError(t, delivery.Ack(ctx))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestRedisQueuePromotesDelayedJob(t *testing.T) {
	q := newRedisQueueOrSkip(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job_delayed", time.Now().Add(500*time.Millisecond)))

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	delivery, err := q.Receive(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, "job_delayed", delivery.JobID())
	require.NoError(t, delivery.Ack(ctx))
}

func TestRedisQueueReapsExpiredLease(t *testing.T) {
	q := newRedisQueueOrSkip(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job_lost", time.Now()))
	_, err := q.Receive(ctx)
	require.NoError(t, err)

	// The delivery is never acked; after the lease TTL the reaper must make
	// the job deliverable again.
	recvCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	redelivered, err := q.Receive(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, "job_lost", redelivered.JobID())
	require.NoError(t, redelivered.Ack(ctx))
}
