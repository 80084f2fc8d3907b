// Package queue provides the durable job queue abstraction for TaskPipe.
//
// This file implements the Redis-backed queue. Layout:
//
//	<prefix>:ready      list of deliverable job IDs
//	<prefix>:delayed    sorted set of job IDs scored by their notBefore time
//	<prefix>:processing list of leased job IDs
//	<prefix>:leases     hash of job ID -> lease deadline (unix seconds)
//
// A background maintenance loop promotes due delayed jobs to the ready list
// and returns expired leases (crashed workers) to the ready list.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis queue configuration constants.
const (
	// DefaultKeyPrefix namespaces all queue keys.
	DefaultKeyPrefix = "taskpipe:jobs"
	// DefaultLeaseTTL is how long a worker may hold a delivery before the
	// reaper makes the job deliverable again.
	DefaultLeaseTTL = 5 * time.Minute
	// DefaultMaintenanceInterval is how often delayed jobs are promoted and
	// expired leases reaped.
	DefaultMaintenanceInterval = time.Second
	// receivePollTimeout bounds each blocking pop so Receive can observe
	// context cancellation.
	receivePollTimeout = time.Second
	// promoteBatchSize bounds how many delayed jobs are promoted per sweep.
	promoteBatchSize = 100
)

// RedisOpts holds configuration options for the Redis queue.
type RedisOpts struct {
	Addr      string
	URL       string
	KeyPrefix string
	LeaseTTL  time.Duration
}

// RedisOption defines a configuration option for the Redis queue.
type RedisOption func(*RedisOpts)

// WithRedisAddr sets the Redis host:port address.
func WithRedisAddr(addr string) RedisOption {
	return func(o *RedisOpts) { o.Addr = addr }
}

// WithRedisURL sets a full Redis connection URL (redis://...).
func WithRedisURL(url string) RedisOption {
	return func(o *RedisOpts) { o.URL = url }
}

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(o *RedisOpts) { o.KeyPrefix = prefix }
}

// WithLeaseTTL overrides the delivery lease duration.
func WithLeaseTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOpts) { o.LeaseTTL = ttl }
}

// RedisQueue is a Queue backed by Redis.
type RedisQueue struct {
	rdb      *redis.Client
	prefix   string
	leaseTTL time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Compile-time check that RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue connects to Redis and starts the maintenance loop.
func NewRedisQueue(opts ...RedisOption) (*RedisQueue, error) {
	var cfg RedisOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("RedisQueue.NewRedisQueue: creating Redis queue", "addr_set", cfg.Addr != "", "url_set", cfg.URL != "")

	var rdb *redis.Client
	switch {
	case cfg.URL != "":
		redisOpts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rdb = redis.NewClient(redisOpts)
	case cfg.Addr != "":
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Addr})
	default:
		return nil, fmt.Errorf("redis address not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}

	q := &RedisQueue{
		rdb:      rdb,
		prefix:   prefix,
		leaseTTL: leaseTTL,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go q.maintenanceLoop()
	return q, nil
}

func (q *RedisQueue) readyKey() string      { return q.prefix + ":ready" }
func (q *RedisQueue) delayedKey() string    { return q.prefix + ":delayed" }
func (q *RedisQueue) processingKey() string { return q.prefix + ":processing" }
func (q *RedisQueue) leasesKey() string     { return q.prefix + ":leases" }

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, notBefore time.Time) error {
	var err error
	if time.Until(notBefore) <= 0 {
		err = q.rdb.LPush(ctx, q.readyKey(), jobID).Err()
	} else {
		err = q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(notBefore.UnixMilli()),
			Member: jobID,
		}).Err()
	}
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	slog.Debug("RedisQueue.Enqueue", "jobID", jobID, "notBefore", notBefore)
	return nil
}

// Receive blocks until a job is available. Each blocking pop is bounded so
// context cancellation is observed within receivePollTimeout.
func (q *RedisQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		jobID, err := q.rdb.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", receivePollTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		deadline := time.Now().Add(q.leaseTTL)
		if err := q.rdb.HSet(ctx, q.leasesKey(), jobID, deadline.UnixMilli()).Err(); err != nil {
			slog.Warn("RedisQueue.Receive: failed to record lease", "jobID", jobID, "error", err)
		}
		return &redisDelivery{queue: q, jobID: jobID}, nil
	}
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	ready, err := q.rdb.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	delayed, err := q.rdb.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return int(ready + delayed), nil
}

// Ping verifies the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

// Close stops the maintenance loop and closes the client.
func (q *RedisQueue) Close() error {
	q.stopOnce.Do(func() {
		close(q.stop)
		<-q.done
	})
	return q.rdb.Close()
}

// maintenanceLoop periodically promotes due delayed jobs and reaps expired leases.
func (q *RedisQueue) maintenanceLoop() {
	defer close(q.done)
	ticker := time.NewTicker(DefaultMaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), DefaultMaintenanceInterval*5)
			q.promoteDue(ctx)
			q.reapExpiredLeases(ctx)
			cancel()
		}
	}
}

// promoteDue moves delayed jobs whose notBefore has passed onto the ready list.
func (q *RedisQueue) promoteDue(ctx context.Context) {
	now := time.Now().UnixMilli()
	jobIDs, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		slog.Warn("RedisQueue.promoteDue: scan failed", "error", err)
		return
	}
	for _, jobID := range jobIDs {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), jobID).Result()
		if err != nil {
			slog.Warn("RedisQueue.promoteDue: remove failed", "jobID", jobID, "error", err)
			continue
		}
		// Another instance may have promoted it first.
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.readyKey(), jobID).Err(); err != nil {
			slog.Error("RedisQueue.promoteDue: push failed", "jobID", jobID, "error", err)
		}
	}
}

// reapExpiredLeases returns jobs whose worker died mid-attempt to the ready list.
func (q *RedisQueue) reapExpiredLeases(ctx context.Context) {
	leases, err := q.rdb.HGetAll(ctx, q.leasesKey()).Result()
	if err != nil {
		slog.Warn("RedisQueue.reapExpiredLeases: scan failed", "error", err)
		return
	}
	now := time.Now().UnixMilli()
	for jobID, deadlineStr := range leases {
		deadline, err := strconv.ParseInt(deadlineStr, 10, 64)
		if err != nil || deadline > now {
			continue
		}
		if err := q.rdb.LRem(ctx, q.processingKey(), 0, jobID).Err(); err != nil {
			slog.Warn("RedisQueue.reapExpiredLeases: remove failed", "jobID", jobID, "error", err)
			continue
		}
		if err := q.rdb.HDel(ctx, q.leasesKey(), jobID).Err(); err != nil {
			slog.Warn("RedisQueue.reapExpiredLeases: lease delete failed", "jobID", jobID, "error", err)
		}
		if err := q.rdb.LPush(ctx, q.readyKey(), jobID).Err(); err != nil {
			slog.Error("RedisQueue.reapExpiredLeases: push failed", "jobID", jobID, "error", err)
			continue
		}
		slog.Info("RedisQueue.reapExpiredLeases: requeued expired lease", "jobID", jobID)
	}
}

type redisDelivery struct {
	queue *RedisQueue
	jobID string
}

func (d *redisDelivery) JobID() string { return d.jobID }

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.release(ctx); err != nil {
		return err
	}
	return nil
}

func (d *redisDelivery) Retry(ctx context.Context, notBefore time.Time) error {
	if err := d.release(ctx); err != nil {
		return err
	}
	return d.queue.Enqueue(ctx, d.jobID, notBefore)
}

func (d *redisDelivery) release(ctx context.Context) error {
	if err := d.queue.rdb.LRem(ctx, d.queue.processingKey(), 0, d.jobID).Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if err := d.queue.rdb.HDel(ctx, d.queue.leasesKey(), d.jobID).Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}
