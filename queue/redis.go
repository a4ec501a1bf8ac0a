package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is the production queue implementation. Layout per queue name:
//
//	flowrun:q:<name>:pending   list of ready jobs (RPUSH / LPOP)
//	flowrun:q:<name>:delayed   zset of retrying jobs scored by ready-at
//	flowrun:q:<name>:seen:<id> dedupe marker (SET NX with TTL)
//	flowrun:q:<name>:completed capped list of finished jobs
//	flowrun:q:<name>:failed    capped list of exhausted jobs
type RedisQueue struct {
	client       *redis.Client
	dedupeWindow time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithDedupeWindow overrides the duplicate-suppression window.
func WithDedupeWindow(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.dedupeWindow = d }
}

// WithPollInterval overrides how often idle consumers poll. Tests shrink
// this to keep miniredis runs fast.
func WithPollInterval(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.pollInterval = d }
}

// WithRedisClock overrides the clock used for delayed-job scoring.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(q *RedisQueue) { q.now = now }
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client *redis.Client, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client:       client,
		dedupeWindow: defaultDedupeWindow,
		pollInterval: 250 * time.Millisecond,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func redisKey(queueName, part string) string {
	return "flowrun:q:" + queueName + ":" + part
}

// Enqueue pushes the job unless its id was seen within the dedupe window.
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, job Job) (bool, error) {
	if job.ID == "" {
		return false, errors.New("queue: job id required")
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	job.EnqueuedAt = q.now()

	set, err := q.client.SetNX(ctx, redisKey(queueName, "seen:"+job.ID), "1", q.dedupeWindow).Result()
	if err != nil {
		return false, fmt.Errorf("queue: dedupe %s: %w", job.ID, err)
	}
	if !set {
		return false, nil
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if err := q.client.RPush(ctx, redisKey(queueName, "pending"), raw).Err(); err != nil {
		return false, fmt.Errorf("queue: enqueue %s: %w", job.ID, err)
	}
	return true, nil
}

// Consume runs handler over jobs from the named queue with the given
// concurrency until ctx is done.
func (q *RedisQueue) Consume(ctx context.Context, queueName string, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, queueName, handler)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RedisQueue) consumeLoop(ctx context.Context, queueName string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		q.promoteDelayed(ctx, queueName)

		raw, err := q.client.LPop(ctx, redisKey(queueName, "pending")).Bytes()
		if errors.Is(err, redis.Nil) || err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}

		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			// Malformed payloads cannot be retried meaningfully.
			q.record(ctx, queueName, "failed", raw, RetentionFailed)
			continue
		}

		if err := handler(ctx, &job); err != nil {
			q.retryOrFail(ctx, queueName, job)
			continue
		}
		if out, err := json.Marshal(job); err == nil {
			q.record(ctx, queueName, "completed", out, RetentionCompleted)
		}
	}
}

// promoteDelayed moves due retries from the delayed zset to pending.
func (q *RedisQueue) promoteDelayed(ctx context.Context, queueName string) {
	nowMS := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, redisKey(queueName, "delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: nowMS, Count: 50,
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, redisKey(queueName, "delayed"), member).Result()
		if err != nil || removed == 0 {
			continue // another consumer claimed it
		}
		q.client.RPush(ctx, redisKey(queueName, "pending"), member)
	}
}

func (q *RedisQueue) retryOrFail(ctx context.Context, queueName string, job Job) {
	if job.Attempt >= job.MaxAttempts {
		if raw, err := json.Marshal(job); err == nil {
			q.record(ctx, queueName, "failed", raw, RetentionFailed)
		}
		return
	}
	delay := backoffDelay(job.Attempt)
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return
	}
	readyAt := q.now().Add(delay).UnixMilli()
	q.client.ZAdd(ctx, redisKey(queueName, "delayed"), redis.Z{Score: float64(readyAt), Member: raw})
}

func (q *RedisQueue) record(ctx context.Context, queueName, bucket string, raw []byte, keep int64) {
	key := redisKey(queueName, bucket)
	q.client.LPush(ctx, key, raw)
	q.client.LTrim(ctx, key, 0, keep-1)
}

// Close closes the underlying client.
func (q *RedisQueue) Close() error { return q.client.Close() }
