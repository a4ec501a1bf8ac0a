package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue with the same contract as RedisQueue.
// Used by tests and single-process deployments.
type MemoryQueue struct {
	mu           sync.Mutex
	queues       map[string]*memQueue
	dedupeWindow time.Duration
	now          func() time.Time
	closed       bool
}

type memQueue struct {
	pending   []Job
	delayed   []delayedJob
	seen      map[string]time.Time
	completed []Job
	failed    []Job
}

type delayedJob struct {
	job     Job
	readyAt time.Time
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithMemoryDedupeWindow overrides the duplicate-suppression window.
func WithMemoryDedupeWindow(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.dedupeWindow = d }
}

// WithMemoryClock overrides the clock.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// NewMemoryQueue builds an empty in-process queue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		queues:       make(map[string]*memQueue),
		dedupeWindow: defaultDedupeWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) queue(name string) *memQueue {
	mq, ok := q.queues[name]
	if !ok {
		mq = &memQueue{seen: make(map[string]time.Time)}
		q.queues[name] = mq
	}
	return mq
}

// Enqueue adds the job unless its id was seen within the dedupe window.
func (q *MemoryQueue) Enqueue(ctx context.Context, queueName string, job Job) (bool, error) {
	if job.ID == "" {
		return false, errors.New("queue: job id required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, errors.New("queue: closed")
	}

	mq := q.queue(queueName)
	now := q.now()
	if seenAt, ok := mq.seen[job.ID]; ok && now.Sub(seenAt) < q.dedupeWindow {
		return false, nil
	}
	mq.seen[job.ID] = now

	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	job.EnqueuedAt = now
	mq.pending = append(mq.pending, job)
	return true, nil
}

// Consume runs handler over jobs from the named queue with the given
// concurrency until ctx is done.
func (q *MemoryQueue) Consume(ctx context.Context, queueName string, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok := q.pop(queueName)
				if !ok {
					select {
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Millisecond):
					}
					continue
				}
				if err := handler(ctx, &job); err != nil {
					q.retryOrFail(queueName, job)
					continue
				}
				q.recordCompleted(queueName, job)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// pop promotes due delayed jobs and takes the head of pending.
func (q *MemoryQueue) pop(queueName string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq := q.queue(queueName)

	now := q.now()
	remaining := mq.delayed[:0]
	for _, d := range mq.delayed {
		if !d.readyAt.After(now) {
			mq.pending = append(mq.pending, d.job)
		} else {
			remaining = append(remaining, d)
		}
	}
	mq.delayed = remaining

	if len(mq.pending) == 0 {
		return Job{}, false
	}
	job := mq.pending[0]
	mq.pending = mq.pending[1:]
	return job, true
}

func (q *MemoryQueue) retryOrFail(queueName string, job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq := q.queue(queueName)
	if job.Attempt >= job.MaxAttempts {
		mq.failed = append(mq.failed, job)
		if len(mq.failed) > RetentionFailed {
			mq.failed = mq.failed[len(mq.failed)-RetentionFailed:]
		}
		return
	}
	delay := backoffDelay(job.Attempt)
	job.Attempt++
	mq.delayed = append(mq.delayed, delayedJob{job: job, readyAt: q.now().Add(delay)})
}

func (q *MemoryQueue) recordCompleted(queueName string, job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq := q.queue(queueName)
	mq.completed = append(mq.completed, job)
	if len(mq.completed) > RetentionCompleted {
		mq.completed = mq.completed[len(mq.completed)-RetentionCompleted:]
	}
}

// PendingCount reports how many jobs are ready to run, for tests and the
// queue-depth gauge.
func (q *MemoryQueue) PendingCount(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue(queueName).pending)
}

// Completed returns a copy of the completed retention list.
func (q *MemoryQueue) Completed(queueName string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.queue(queueName).completed...)
}

// Failed returns a copy of the failed retention list.
func (q *MemoryQueue) Failed(queueName string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.queue(queueName).failed...)
}

// Close marks the queue closed; subsequent enqueues fail.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
