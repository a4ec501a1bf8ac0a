// Package worker consumes the durable queues: execution jobs drive the
// engine, ingestion jobs drive the knowledge pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/queue"
	"github.com/dshills/flowrun/store"
)

// ExecutionWorker dequeues execute-workflow jobs, hydrates the workflow
// snapshot and drives the engine. Permanent failures (malformed graph,
// unknown node type, missing capability) fail the execution row without a
// queue retry; operational errors propagate so the queue retries. A retried
// job that finds its row already running is treated as poisoned: the earlier
// attempt died mid-run and executions are not resumed, so the row is
// finalized as failed.
type ExecutionWorker struct {
	store       store.Store
	queue       queue.Queue
	engine      *flow.Engine
	logger      zerolog.Logger
	queueName   string
	concurrency int
	now         func() time.Time
}

// ExecutionWorkerOption configures the worker.
type ExecutionWorkerOption func(*ExecutionWorker)

// WithQueueName overrides the consumed queue.
func WithQueueName(name string) ExecutionWorkerOption {
	return func(w *ExecutionWorker) { w.queueName = name }
}

// WithConcurrency overrides consumer parallelism.
func WithConcurrency(n int) ExecutionWorkerOption {
	return func(w *ExecutionWorker) { w.concurrency = n }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(l zerolog.Logger) ExecutionWorkerOption {
	return func(w *ExecutionWorker) { w.logger = l }
}

// WithWorkerClock overrides the clock.
func WithWorkerClock(now func() time.Time) ExecutionWorkerOption {
	return func(w *ExecutionWorker) { w.now = now }
}

// NewExecutionWorker builds the worker around an already-configured engine.
func NewExecutionWorker(st store.Store, q queue.Queue, engine *flow.Engine, opts ...ExecutionWorkerOption) *ExecutionWorker {
	w := &ExecutionWorker{
		store:       st,
		queue:       q,
		engine:      engine,
		logger:      zerolog.Nop(),
		queueName:   queue.QueueWorkflowExecution,
		concurrency: queue.DefaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes the execution queue until ctx is done.
func (w *ExecutionWorker) Run(ctx context.Context) error {
	return w.queue.Consume(ctx, w.queueName, w.concurrency, w.Handle)
}

// Handle processes one execute-workflow job.
func (w *ExecutionWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.ExecuteWorkflowPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error().Err(err).Str("jobId", job.ID).Msg("malformed execution job payload")
		return nil
	}
	logger := w.logger.With().
		Str("executionId", payload.ExecutionID).
		Str("workflowId", payload.WorkflowID).
		Logger()

	ex, err := w.store.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Error().Msg("execution row missing, dropping job")
			return nil
		}
		return err
	}
	if ex.Status != store.ExecutionPending {
		if ex.Status == store.ExecutionRunning {
			// A redelivered job for a running row means an earlier attempt
			// died mid-run. Executions are not resumed, so the row is
			// finalized as failed instead of being stranded running.
			logger.Warn().Int("attempt", job.Attempt).Msg("redelivered job for a running execution")
			return w.failExecution(ctx, ex, "execution interrupted by a worker failure and cannot be resumed")
		}
		// Already run (queue redelivery); executions are not resumed.
		logger.Warn().Str("status", ex.Status).Msg("execution not pending, dropping job")
		return nil
	}

	trigger, err := decodeTrigger(payload.TriggerPayload)
	if err != nil {
		return w.failExecution(ctx, ex, "malformed trigger payload: "+err.Error())
	}

	wf, err := w.loadWorkflow(ctx, payload.WorkflowID, trigger)
	if err != nil {
		if flow.IsPermanent(err) || errors.Is(err, store.ErrNotFound) {
			return w.failExecution(ctx, ex, flow.SanitizeError(err))
		}
		return err
	}

	started := w.now()
	ex.Status = store.ExecutionRunning
	ex.StartedAt = &started
	if err := w.store.UpdateExecution(ctx, ex); err != nil {
		return err
	}

	result, runErr := w.engine.Run(ctx, flow.RunRequest{
		ExecutionID:    payload.ExecutionID,
		UserID:         payload.UserID,
		Workflow:       wf,
		TriggerPayload: trigger,
	})

	finished := w.now()
	ex.FinishedAt = &finished
	switch {
	case runErr == nil:
		ex.Status = result.Status
		ex.ErrorMessage = result.ErrorMessage
	case errors.Is(runErr, flow.ErrExecutionCanceled):
		ex.Status = store.ExecutionCanceled
	case flow.IsPermanent(runErr):
		ex.Status = store.ExecutionFailed
		ex.ErrorMessage = flow.SanitizeError(runErr)
	default:
		// Operational failure: leave the row running and let the queue
		// retry the job.
		return runErr
	}
	if err := w.store.UpdateExecution(ctx, ex); err != nil {
		return err
	}
	logger.Info().Str("status", ex.Status).Msg("execution finished")
	return nil
}

// loadWorkflow hydrates the workflow snapshot. Scheduled triggers require
// the workflow to still be active.
func (w *ExecutionWorker) loadWorkflow(ctx context.Context, workflowID string, trigger map[string]any) (*flow.Workflow, error) {
	record, err := w.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if kind, _ := trigger["_trigger"].(string); kind == "schedule" && record.Status != store.WorkflowActive {
		return nil, &flow.ValidationError{Message: "workflow " + workflowID + " is not active"}
	}
	wf, err := flow.ParseWorkflow(record.Definition)
	if err != nil {
		return nil, err
	}
	wf.ID = record.ID
	wf.UserID = record.UserID
	wf.Version = record.Version
	return wf, nil
}

func (w *ExecutionWorker) failExecution(ctx context.Context, ex *store.Execution, msg string) error {
	finished := w.now()
	ex.Status = store.ExecutionFailed
	ex.FinishedAt = &finished
	ex.ErrorMessage = msg
	if err := w.store.UpdateExecution(ctx, ex); err != nil {
		return err
	}
	w.logger.Warn().Str("executionId", ex.ID).Str("error", msg).Msg("execution failed permanently")
	return nil
}

func decodeTrigger(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var trigger map[string]any
	if err := json.Unmarshal(raw, &trigger); err != nil {
		return nil, err
	}
	return trigger, nil
}
