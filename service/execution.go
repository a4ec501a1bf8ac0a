// Package service exposes the execution and knowledge facades consumed by
// callers outside the engine: trigger an execution, inspect its steps,
// attempts, retrieval events and context snapshots, and manage corpora.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/flowrun/queue"
	"github.com/dshills/flowrun/store"
)

// Execution triggers workflow executions and reads back their records.
type Execution struct {
	store  store.Store
	queue  queue.Queue
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// ExecutionOption configures the facade.
type ExecutionOption func(*Execution)

// WithExecutionLogger sets the logger.
func WithExecutionLogger(l zerolog.Logger) ExecutionOption {
	return func(s *Execution) { s.logger = l }
}

// WithExecutionClock overrides the clock.
func WithExecutionClock(now func() time.Time) ExecutionOption {
	return func(s *Execution) { s.now = now }
}

// WithExecutionIDGen overrides id generation.
func WithExecutionIDGen(newID func() string) ExecutionOption {
	return func(s *Execution) { s.newID = newID }
}

// NewExecution builds the facade over a store and a queue.
func NewExecution(st store.Store, q queue.Queue, opts ...ExecutionOption) *Execution {
	s := &Execution{
		store:  st,
		queue:  q,
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger creates a pending execution row and enqueues an execute-workflow
// job keyed by the execution id.
func (s *Execution) Trigger(ctx context.Context, userID, workflowID string, payload map[string]any) (string, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("trigger: %w", err)
	}
	if wf.Status != store.WorkflowActive {
		return "", fmt.Errorf("trigger: workflow %s is not active", workflowID)
	}

	var rawPayload json.RawMessage
	if payload != nil {
		rawPayload, err = json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("trigger: encode payload: %w", err)
		}
	}

	ex := &store.Execution{
		ID:             s.newID(),
		WorkflowID:     workflowID,
		UserID:         userID,
		Status:         store.ExecutionPending,
		TriggerPayload: rawPayload,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateExecution(ctx, ex); err != nil {
		return "", fmt.Errorf("trigger: %w", err)
	}

	job, err := queue.NewExecuteWorkflowJob(queue.ExecuteWorkflowPayload{
		ExecutionID:    ex.ID,
		WorkflowID:     workflowID,
		TriggerPayload: rawPayload,
		UserID:         userID,
	})
	if err != nil {
		return "", fmt.Errorf("trigger: %w", err)
	}
	enqueued, err := s.queue.Enqueue(ctx, queue.QueueWorkflowExecution, job)
	if err != nil {
		return "", fmt.Errorf("trigger: %w", err)
	}
	s.logger.Info().
		Str("executionId", ex.ID).
		Str("workflowId", workflowID).
		Bool("enqueued", enqueued).
		Msg("execution triggered")
	return ex.ID, nil
}

// GetByID returns one execution.
func (s *Execution) GetByID(ctx context.Context, executionID string) (*store.Execution, error) {
	return s.store.GetExecution(ctx, executionID)
}

// ListByWorkflow pages executions of a workflow, newest first.
func (s *Execution) ListByWorkflow(ctx context.Context, workflowID string, page store.Page) ([]*store.Execution, error) {
	return s.store.ListExecutionsByWorkflow(ctx, workflowID, page.Normalize())
}

// Steps returns every step of an execution in execution order.
func (s *Execution) Steps(ctx context.Context, executionID string) ([]*store.ExecutionStep, error) {
	return s.store.ListSteps(ctx, executionID)
}

// StepAttempts pages the per-attempt rows of an execution.
func (s *Execution) StepAttempts(ctx context.Context, executionID string, page store.Page) ([]*store.StepAttempt, error) {
	return s.store.ListStepAttempts(ctx, executionID, page.Normalize())
}

// RetrievalEvents pages the retrieval branch events of an execution.
func (s *Execution) RetrievalEvents(ctx context.Context, executionID string, page store.Page) ([]*store.RetrievalEvent, error) {
	return s.store.ListRetrievalEvents(ctx, executionID, page.Normalize())
}

// ContextSnapshots pages the context snapshots of an execution in sequence
// order.
func (s *Execution) ContextSnapshots(ctx context.Context, executionID string, page store.Page) ([]*store.ContextSnapshot, error) {
	return s.store.ListContextSnapshots(ctx, executionID, page.Normalize())
}
