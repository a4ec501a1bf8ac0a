// Package queue provides the durable job queue the workers consume from.
//
// Two queues exist: "workflow-execution" carries execute-workflow jobs and
// "knowledge-ingestion" carries ingest-knowledge-document jobs. Enqueueing
// is idempotent per job id within the retention window, jobs are retried up
// to three times with exponential backoff, and terminal jobs are retained
// for inspection (last 1000 completed, last 5000 failed).
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue names.
const (
	QueueWorkflowExecution  = "workflow-execution"
	QueueKnowledgeIngestion = "knowledge-ingestion"
)

// Job kinds.
const (
	KindExecuteWorkflow = "execute-workflow"
	KindIngestDocument  = "ingest-knowledge-document"
)

// Retry and retention policy shared by all implementations.
const (
	DefaultMaxAttempts  = 3
	DefaultConcurrency  = 5
	RetentionCompleted  = 1000
	RetentionFailed     = 5000
	backoffBase         = 2 * time.Second
	defaultDedupeWindow = 24 * time.Hour
)

// Job is one unit of work. ID is the dedupe key: enqueueing a second job
// with the same id while the first is within the retention window is a
// no-op.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// Handler processes one dequeued job. A nil return completes the job; an
// error schedules a retry until MaxAttempts is reached, after which the job
// moves to the failed set.
type Handler func(ctx context.Context, job *Job) error

// Queue is the durable queue contract. Consume blocks until ctx is done,
// running up to concurrency handlers in parallel.
type Queue interface {
	// Enqueue adds the job to the named queue. It reports false when the
	// job id was suppressed as a duplicate.
	Enqueue(ctx context.Context, queueName string, job Job) (bool, error)
	Consume(ctx context.Context, queueName string, concurrency int, handler Handler) error
	Close() error
}

// ExecuteWorkflowPayload is the payload of an execute-workflow job.
type ExecuteWorkflowPayload struct {
	ExecutionID    string          `json:"executionId"`
	WorkflowID     string          `json:"workflowId"`
	TriggerPayload json.RawMessage `json:"triggerPayload,omitempty"`
	UserID         string          `json:"userId"`
}

// IngestDocumentPayload is the payload of an ingest-knowledge-document job.
type IngestDocumentPayload struct {
	CorpusID   string `json:"corpusId"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

// NewExecuteWorkflowJob builds the job for an execution. The job id is the
// execution id, so re-triggering the same execution is suppressed.
func NewExecuteWorkflowJob(p ExecuteWorkflowPayload) (Job, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:          p.ExecutionID,
		Kind:        KindExecuteWorkflow,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// NewIngestDocumentJob builds the job for a document ingestion. The job id
// is "ingest-<documentId>".
func NewIngestDocumentJob(p IngestDocumentPayload) (Job, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:          "ingest-" + p.DocumentID,
		Kind:        KindIngestDocument,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// backoffDelay returns the delay before retrying the given attempt:
// 2s, 4s, 8s, doubling per attempt.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
