package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/flowrun/store"
)

type fakeTrigger struct {
	mu    sync.Mutex
	calls []triggerCall
	err   error
}

type triggerCall struct {
	userID     string
	workflowID string
	payload    map[string]any
}

func (f *fakeTrigger) Trigger(ctx context.Context, userID, workflowID string, payload map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, triggerCall{userID: userID, workflowID: workflowID, payload: payload})
	return fmt.Sprintf("ex-%d", len(f.calls)), nil
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func scheduledWorkflow(t *testing.T, st store.Store, id string, config map[string]any) {
	t.Helper()
	def := map[string]any{
		"id":    id,
		"name":  "scheduled " + id,
		"nodes": []any{map[string]any{"id": "start", "type": "schedule-trigger", "config": config}},
		"edges": []any{},
	}
	raw, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("marshal definition: %v", err)
	}
	err = st.SaveWorkflow(context.Background(), &store.Workflow{
		ID:         id,
		UserID:     "u1",
		Name:       "scheduled " + id,
		Status:     store.WorkflowActive,
		Definition: raw,
		Version:    1,
	})
	if err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
}

func testPoller(t *testing.T) (*Poller, *store.MemStore, *fakeTrigger, *time.Time) {
	t.Helper()
	st := store.NewMemStore()
	trig := &fakeTrigger{}
	now := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	p := NewPoller(st, trig, WithClock(func() time.Time { return now }))
	return p, st, trig, &now
}

func TestPoller_FirstScanFiresImmediately(t *testing.T) {
	p, st, trig, _ := testPoller(t)
	scheduledWorkflow(t, st, "wf-1", map[string]any{"intervalMs": float64(60000)})

	if got := p.Scan(context.Background()); got != 1 {
		t.Fatalf("Scan = %d, want 1", got)
	}
	if trig.count() != 1 {
		t.Fatalf("trigger calls = %d", trig.count())
	}
	call := trig.calls[0]
	if call.workflowID != "wf-1" || call.userID != "u1" {
		t.Errorf("call = %+v", call)
	}
	if call.payload["_trigger"] != "schedule" {
		t.Errorf("payload = %v", call.payload)
	}
	if _, ok := call.payload["_scheduledAt"].(string); !ok {
		t.Errorf("payload missing _scheduledAt: %v", call.payload)
	}
}

func TestPoller_IntervalGatesRepeats(t *testing.T) {
	p, st, trig, now := testPoller(t)
	scheduledWorkflow(t, st, "wf-1", map[string]any{"intervalMs": float64(60000)})

	p.Scan(context.Background())
	if p.Scan(context.Background()) != 0 {
		t.Error("schedule fired again before the interval elapsed")
	}

	*now = now.Add(30 * time.Second)
	if p.Scan(context.Background()) != 0 {
		t.Error("schedule fired mid-interval")
	}

	*now = now.Add(31 * time.Second)
	if p.Scan(context.Background()) != 1 {
		t.Error("schedule did not fire after the interval")
	}
	if trig.count() != 2 {
		t.Errorf("trigger calls = %d, want 2", trig.count())
	}
}

func TestPoller_CronUsesExactNextFireTime(t *testing.T) {
	p, st, trig, now := testPoller(t)
	// 8:00 scan fires; next exact fire is 8:05.
	scheduledWorkflow(t, st, "wf-cron", map[string]any{"cron": "*/5 * * * *"})

	p.Scan(context.Background())
	if trig.count() != 1 {
		t.Fatalf("first scan fired %d", trig.count())
	}

	*now = now.Add(4 * time.Minute)
	if p.Scan(context.Background()) != 0 {
		t.Error("cron fired before its next fire time")
	}

	*now = now.Add(time.Minute)
	if p.Scan(context.Background()) != 1 {
		t.Error("cron did not fire at its next fire time")
	}
}

func TestPoller_IntervalWinsOverCron(t *testing.T) {
	p, st, trig, now := testPoller(t)
	// Hourly cron with a one-minute interval: the interval governs.
	scheduledWorkflow(t, st, "wf-both", map[string]any{
		"cron":       "0 * * * *",
		"intervalMs": float64(60000),
	})

	p.Scan(context.Background())
	*now = now.Add(61 * time.Second)
	if p.Scan(context.Background()) != 1 {
		t.Error("intervalMs did not win over cron")
	}
	if trig.count() != 2 {
		t.Errorf("trigger calls = %d", trig.count())
	}
}

func TestPoller_SkipsWorkflowsWithoutSchedule(t *testing.T) {
	p, st, trig, _ := testPoller(t)

	def, _ := json.Marshal(map[string]any{
		"id":    "wf-manual",
		"name":  "manual",
		"nodes": []any{map[string]any{"id": "start", "type": "manual-trigger"}},
		"edges": []any{},
	})
	_ = st.SaveWorkflow(context.Background(), &store.Workflow{
		ID: "wf-manual", UserID: "u1", Name: "manual",
		Status: store.WorkflowActive, Definition: def,
	})

	if p.Scan(context.Background()) != 0 {
		t.Error("unscheduled workflow triggered")
	}
	if trig.count() != 0 {
		t.Errorf("trigger calls = %d", trig.count())
	}
}

func TestPoller_TriggerFailureDoesNotAdvanceLastRun(t *testing.T) {
	p, st, trig, _ := testPoller(t)
	scheduledWorkflow(t, st, "wf-1", map[string]any{"intervalMs": float64(60000)})

	trig.err = errors.New("queue unavailable")
	if p.Scan(context.Background()) != 0 {
		t.Error("failed trigger counted as fired")
	}

	// Once the trigger recovers the very next scan fires.
	trig.err = nil
	if p.Scan(context.Background()) != 1 {
		t.Error("schedule not retried after trigger failure")
	}
}

func TestPoller_MalformedDefinitionIgnored(t *testing.T) {
	p, st, trig, _ := testPoller(t)
	_ = st.SaveWorkflow(context.Background(), &store.Workflow{
		ID: "wf-bad", UserID: "u1", Name: "bad",
		Status: store.WorkflowActive, Definition: json.RawMessage("{broken"),
	})

	if p.Scan(context.Background()) != 0 {
		t.Error("malformed workflow triggered")
	}
	if trig.count() != 0 {
		t.Errorf("trigger calls = %d", trig.count())
	}
}
