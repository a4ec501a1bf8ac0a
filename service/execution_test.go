package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowrun/queue"
	"github.com/dshills/flowrun/store"
)

func testExecution(t *testing.T) (*Execution, *store.MemStore, *queue.MemoryQueue) {
	t.Helper()
	st := store.NewMemStore()
	q := queue.NewMemoryQueue()
	n := 0
	svc := NewExecution(st, q,
		WithExecutionIDGen(func() string { n++; return fmt.Sprintf("ex-%03d", n) }),
		WithExecutionClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)
	return svc, st, q
}

func saveWorkflow(t *testing.T, st store.Store, id, status string) {
	t.Helper()
	err := st.SaveWorkflow(context.Background(), &store.Workflow{
		ID:         id,
		UserID:     "u1",
		Name:       "wf",
		Status:     status,
		Definition: json.RawMessage(`{"nodes":[],"edges":[]}`),
		Version:    1,
	})
	require.NoError(t, err)
}

func TestExecutionTrigger(t *testing.T) {
	ctx := context.Background()

	t.Run("creates pending row and enqueues job", func(t *testing.T) {
		svc, st, q := testExecution(t)
		saveWorkflow(t, st, "wf-1", store.WorkflowActive)

		id, err := svc.Trigger(ctx, "u1", "wf-1", map[string]any{"source": "api"})
		require.NoError(t, err)
		assert.Equal(t, "ex-001", id)

		ex, err := st.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.ExecutionPending, ex.Status)
		assert.Equal(t, "wf-1", ex.WorkflowID)
		assert.Equal(t, "u1", ex.UserID)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(ex.TriggerPayload, &payload))
		assert.Equal(t, "api", payload["source"])

		assert.Equal(t, 1, q.PendingCount(queue.QueueWorkflowExecution))
	})

	t.Run("job id is the execution id", func(t *testing.T) {
		svc, st, q := testExecution(t)
		saveWorkflow(t, st, "wf-1", store.WorkflowActive)

		id, err := svc.Trigger(ctx, "u1", "wf-1", nil)
		require.NoError(t, err)

		cctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		var jobID string
		var jobPayload queue.ExecuteWorkflowPayload
		go func() {
			_ = q.Consume(cctx, queue.QueueWorkflowExecution, 1, func(ctx context.Context, job *queue.Job) error {
				jobID = job.ID
				_ = json.Unmarshal(job.Payload, &jobPayload)
				cancel()
				return nil
			})
		}()
		<-cctx.Done()

		assert.Equal(t, id, jobID)
		assert.Equal(t, "wf-1", jobPayload.WorkflowID)
		assert.Equal(t, "u1", jobPayload.UserID)
	})

	t.Run("inactive workflow rejected", func(t *testing.T) {
		svc, st, _ := testExecution(t)
		saveWorkflow(t, st, "wf-off", store.WorkflowInactive)

		_, err := svc.Trigger(ctx, "u1", "wf-off", nil)
		assert.ErrorContains(t, err, "not active")
	})

	t.Run("unknown workflow rejected", func(t *testing.T) {
		svc, _, _ := testExecution(t)
		_, err := svc.Trigger(ctx, "u1", "ghost", nil)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("repeat triggers are distinct executions", func(t *testing.T) {
		svc, st, q := testExecution(t)
		saveWorkflow(t, st, "wf-1", store.WorkflowActive)

		first, err := svc.Trigger(ctx, "u1", "wf-1", nil)
		require.NoError(t, err)
		second, err := svc.Trigger(ctx, "u1", "wf-1", nil)
		require.NoError(t, err)

		assert.NotEqual(t, first, second)
		assert.Equal(t, 2, q.PendingCount(queue.QueueWorkflowExecution))
	})
}

func TestExecutionReads(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := testExecution(t)
	saveWorkflow(t, st, "wf-1", store.WorkflowActive)

	id, err := svc.Trigger(ctx, "u1", "wf-1", nil)
	require.NoError(t, err)

	require.NoError(t, st.SaveStep(ctx, &store.ExecutionStep{
		ID: "s1", ExecutionID: id, NodeID: "n1", Status: store.StepCompleted,
	}))
	require.NoError(t, st.SaveStepAttempt(ctx, &store.StepAttempt{
		ExecutionID: id, NodeID: "n1", Attempt: 1, Status: store.AttemptCompleted,
	}))
	require.NoError(t, st.SaveContextSnapshot(ctx, &store.ContextSnapshot{
		ExecutionID: id, Sequence: 0, Reason: "init", State: json.RawMessage(`{}`),
	}))
	require.NoError(t, st.SaveRetrievalEvent(ctx, &store.RetrievalEvent{
		ExecutionID: id, NodeID: "n1", Status: store.RetrievalSuccess,
	}))

	got, err := svc.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	list, err := svc.ListByWorkflow(ctx, "wf-1", store.Page{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	steps, err := svc.Steps(ctx, id)
	require.NoError(t, err)
	assert.Len(t, steps, 1)

	attempts, err := svc.StepAttempts(ctx, id, store.Page{})
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	snaps, err := svc.ContextSnapshots(ctx, id, store.Page{})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	events, err := svc.RetrievalEvents(ctx, id, store.Page{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
