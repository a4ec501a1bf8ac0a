package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testWorkflow(id, status string) *Workflow {
	return &Workflow{
		ID:         id,
		UserID:     "u1",
		Name:       "wf " + id,
		Status:     status,
		Definition: json.RawMessage(`{"nodes":[],"edges":[]}`),
		Version:    1,
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}
}

func TestMemStore_Workflows(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	if _, err := m.GetWorkflow(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetWorkflow(ghost) = %v, want ErrNotFound", err)
	}

	if err := m.SaveWorkflow(ctx, testWorkflow("wf-b", WorkflowActive)); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	if err := m.SaveWorkflow(ctx, testWorkflow("wf-a", WorkflowActive)); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	if err := m.SaveWorkflow(ctx, testWorkflow("wf-c", WorkflowInactive)); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}

	got, err := m.GetWorkflow(ctx, "wf-a")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.Name != "wf wf-a" {
		t.Errorf("workflow name = %q", got.Name)
	}

	active, err := m.ListActiveWorkflows(ctx)
	if err != nil {
		t.Fatalf("ListActiveWorkflows: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	if active[0].ID != "wf-a" || active[1].ID != "wf-b" {
		t.Errorf("active order = %s, %s", active[0].ID, active[1].ID)
	}

	// Save replaces.
	updated := testWorkflow("wf-a", WorkflowInactive)
	if err := m.SaveWorkflow(ctx, updated); err != nil {
		t.Fatalf("SaveWorkflow replace: %v", err)
	}
	active, _ = m.ListActiveWorkflows(ctx)
	if len(active) != 1 {
		t.Errorf("active after deactivate = %d, want 1", len(active))
	}
}

func TestMemStore_Executions(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	ex := &Execution{ID: "ex-1", WorkflowID: "wf-1", UserID: "u1", Status: ExecutionPending, CreatedAt: baseTime}
	if err := m.CreateExecution(ctx, ex); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := m.CreateExecution(ctx, ex); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreateExecution = %v, want ErrConflict", err)
	}

	ex.Status = ExecutionRunning
	if err := m.UpdateExecution(ctx, ex); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}
	got, err := m.GetExecution(ctx, "ex-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != ExecutionRunning {
		t.Errorf("status = %q", got.Status)
	}

	if err := m.UpdateExecution(ctx, &Execution{ID: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateExecution(ghost) = %v, want ErrNotFound", err)
	}

	// Newer executions list first.
	for i := 2; i <= 4; i++ {
		err := m.CreateExecution(ctx, &Execution{
			ID:         "ex-" + string(rune('0'+i)),
			WorkflowID: "wf-1",
			Status:     ExecutionPending,
			CreatedAt:  baseTime.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateExecution %d: %v", i, err)
		}
	}
	list, err := m.ListExecutionsByWorkflow(ctx, "wf-1", Page{})
	if err != nil {
		t.Fatalf("ListExecutionsByWorkflow: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("list = %d, want 4", len(list))
	}
	if list[0].ID != "ex-4" || list[3].ID != "ex-1" {
		t.Errorf("order = %s .. %s", list[0].ID, list[3].ID)
	}

	// Pagination.
	pageTwo, err := m.ListExecutionsByWorkflow(ctx, "wf-1", Page{Page: 2, Limit: 3})
	if err != nil {
		t.Fatalf("paged list: %v", err)
	}
	if len(pageTwo) != 1 || pageTwo[0].ID != "ex-1" {
		t.Errorf("page two = %v", pageTwo)
	}
}

func TestMemStore_StepsAndAttempts(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	for _, nodeID := range []string{"n1", "n2", "n3"} {
		err := m.SaveStep(ctx, &ExecutionStep{
			ID:          "step-" + nodeID,
			ExecutionID: "ex-1",
			NodeID:      nodeID,
			Status:      StepCompleted,
			CreatedAt:   baseTime,
		})
		if err != nil {
			t.Fatalf("SaveStep: %v", err)
		}
	}
	steps, err := m.ListSteps(ctx, "ex-1")
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("steps = %d", len(steps))
	}
	for i, nodeID := range []string{"n1", "n2", "n3"} {
		if steps[i].NodeID != nodeID {
			t.Errorf("steps[%d] = %s, want %s (save order)", i, steps[i].NodeID, nodeID)
		}
	}

	// Attempts come back ordered by (node, attempt) regardless of save order.
	saves := []StepAttempt{
		{ExecutionID: "ex-1", NodeID: "n2", Attempt: 1, Status: AttemptCompleted},
		{ExecutionID: "ex-1", NodeID: "n1", Attempt: 2, Status: AttemptCompleted},
		{ExecutionID: "ex-1", NodeID: "n1", Attempt: 1, Status: AttemptRetry},
	}
	for i := range saves {
		if err := m.SaveStepAttempt(ctx, &saves[i]); err != nil {
			t.Fatalf("SaveStepAttempt: %v", err)
		}
	}
	attempts, err := m.ListStepAttempts(ctx, "ex-1", Page{})
	if err != nil {
		t.Fatalf("ListStepAttempts: %v", err)
	}
	want := []struct {
		node    string
		attempt int
	}{{"n1", 1}, {"n1", 2}, {"n2", 1}}
	if len(attempts) != len(want) {
		t.Fatalf("attempts = %d", len(attempts))
	}
	for i, w := range want {
		if attempts[i].NodeID != w.node || attempts[i].Attempt != w.attempt {
			t.Errorf("attempts[%d] = %s/%d, want %s/%d", i, attempts[i].NodeID, attempts[i].Attempt, w.node, w.attempt)
		}
	}
}

func TestMemStore_Snapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	// Saved out of order; listed by sequence.
	for _, seq := range []int{2, 0, 1} {
		err := m.SaveContextSnapshot(ctx, &ContextSnapshot{
			ExecutionID: "ex-1",
			Sequence:    seq,
			Reason:      "step",
			State:       json.RawMessage(`{}`),
			CreatedAt:   baseTime,
		})
		if err != nil {
			t.Fatalf("SaveContextSnapshot: %v", err)
		}
	}
	snaps, err := m.ListContextSnapshots(ctx, "ex-1", Page{})
	if err != nil {
		t.Fatalf("ListContextSnapshots: %v", err)
	}
	for i, s := range snaps {
		if s.Sequence != i {
			t.Errorf("snaps[%d].Sequence = %d", i, s.Sequence)
		}
	}
}

func TestMemStore_RetrievalEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	for i := 0; i < 3; i++ {
		err := m.SaveRetrievalEvent(ctx, &RetrievalEvent{
			ExecutionID: "ex-1",
			NodeID:      "n1",
			Attempt:     i + 1,
			Status:      RetrievalSuccess,
			CreatedAt:   baseTime,
		})
		if err != nil {
			t.Fatalf("SaveRetrievalEvent: %v", err)
		}
	}
	events, err := m.ListRetrievalEvents(ctx, "ex-1", Page{})
	if err != nil {
		t.Fatalf("ListRetrievalEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d", len(events))
	}
	for i, ev := range events {
		if ev.Attempt != i+1 {
			t.Errorf("events[%d].Attempt = %d (emission order)", i, ev.Attempt)
		}
	}
}

func TestMemStore_Corpora(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	corpus := &Corpus{
		ID: "c1", UserID: "u1", Name: "kb", ScopeType: ScopeWorkflow,
		WorkflowID: "wf-1", Status: CorpusReady, CreatedAt: baseTime, UpdatedAt: baseTime,
	}
	if err := m.CreateCorpus(ctx, corpus); err != nil {
		t.Fatalf("CreateCorpus: %v", err)
	}
	if err := m.CreateCorpus(ctx, corpus); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate corpus = %v, want ErrConflict", err)
	}

	if err := m.UpdateCorpusStatus(ctx, "c1", CorpusIngesting); err != nil {
		t.Fatalf("UpdateCorpusStatus: %v", err)
	}
	got, _ := m.GetCorpus(ctx, "c1")
	if got.Status != CorpusIngesting {
		t.Errorf("status = %q", got.Status)
	}

	other := &Corpus{ID: "c2", UserID: "u2", Name: "other", ScopeType: ScopeUser, Status: CorpusReady, CreatedAt: baseTime}
	if err := m.CreateCorpus(ctx, other); err != nil {
		t.Fatalf("CreateCorpus: %v", err)
	}

	mine, err := m.ListCorpora(ctx, "u1", Page{})
	if err != nil {
		t.Fatalf("ListCorpora: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "c1" {
		t.Errorf("ListCorpora = %v", mine)
	}

	found, err := m.FindCorpora(ctx, CorpusFilter{UserID: "u1", ScopeType: ScopeWorkflow, WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("FindCorpora: %v", err)
	}
	if len(found) != 1 || found[0].ID != "c1" {
		t.Errorf("FindCorpora = %v", found)
	}
	none, _ := m.FindCorpora(ctx, CorpusFilter{UserID: "u1", ScopeType: ScopeExecution})
	if len(none) != 0 {
		t.Errorf("scope mismatch returned %v", none)
	}
}

func TestMemStore_DocumentsAndChunks(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	doc := &Document{
		ID: "d1", CorpusID: "c1", UserID: "u1", SourceType: "text",
		Title: "guide", ContentText: "body", Status: DocumentPending,
		CreatedAt: baseTime, UpdatedAt: baseTime,
	}
	if err := m.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	doc2 := &Document{ID: "d2", CorpusID: "c1", UserID: "u1", Status: DocumentPending, CreatedAt: baseTime.Add(time.Minute)}
	if err := m.CreateDocument(ctx, doc2); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	docs, err := m.ListDocuments(ctx, "c1", Page{})
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "d1" || docs[1].ID != "d2" {
		t.Errorf("documents order = %v", docs)
	}

	chunks := []*Chunk{
		{ID: "k2", CorpusID: "c1", DocumentID: "d1", ChunkIndex: 1, Content: "two", Embedding: []float64{0.2}},
		{ID: "k1", CorpusID: "c1", DocumentID: "d1", ChunkIndex: 0, Content: "one", Embedding: []float64{0.1}},
	}
	if err := m.ReplaceChunks(ctx, "d1", chunks); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}
	listed, err := m.ListChunks(ctx, "d1", Page{})
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(listed) != 2 || listed[0].ChunkIndex != 0 || listed[1].ChunkIndex != 1 {
		t.Errorf("chunk order = %v", listed)
	}

	// Replace swaps the whole set.
	if err := m.ReplaceChunks(ctx, "d1", []*Chunk{{ID: "k3", CorpusID: "c1", DocumentID: "d1", ChunkIndex: 0, Content: "new"}}); err != nil {
		t.Fatalf("ReplaceChunks swap: %v", err)
	}
	listed, _ = m.ListChunks(ctx, "d1", Page{})
	if len(listed) != 1 || listed[0].ID != "k3" {
		t.Errorf("chunks after swap = %v", listed)
	}

	if err := m.ReplaceChunks(ctx, "d2", []*Chunk{
		{ID: "k4", CorpusID: "c1", DocumentID: "d2", ChunkIndex: 0, Content: "other doc"},
	}); err != nil {
		t.Fatalf("ReplaceChunks d2: %v", err)
	}

	byCorpora, err := m.ChunksByCorpora(ctx, []string{"c1"}, 10)
	if err != nil {
		t.Fatalf("ChunksByCorpora: %v", err)
	}
	if len(byCorpora) != 2 {
		t.Fatalf("byCorpora = %d", len(byCorpora))
	}
	if byCorpora[0].DocumentID != "d1" || byCorpora[1].DocumentID != "d2" {
		t.Errorf("byCorpora order = %s, %s", byCorpora[0].DocumentID, byCorpora[1].DocumentID)
	}

	limited, _ := m.ChunksByCorpora(ctx, []string{"c1"}, 1)
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}

func TestMemStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	if err := m.SaveWorkflow(ctx, testWorkflow("wf-1", WorkflowActive)); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	got, _ := m.GetWorkflow(ctx, "wf-1")
	got.Name = "mutated"

	fresh, _ := m.GetWorkflow(ctx, "wf-1")
	if fresh.Name == "mutated" {
		t.Error("store row mutated through a returned pointer")
	}
}

func TestPage(t *testing.T) {
	cases := []struct {
		name       string
		in         Page
		wantPage   int
		wantLimit  int
		wantOffset int
	}{
		{"zero value", Page{}, 1, 50, 0},
		{"negative page", Page{Page: -2, Limit: 10}, 1, 10, 0},
		{"limit over cap", Page{Page: 2, Limit: 900}, 2, 200, 200},
		{"normal", Page{Page: 3, Limit: 20}, 3, 20, 40},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := tc.in.Normalize()
			if n.Page != tc.wantPage || n.Limit != tc.wantLimit {
				t.Errorf("Normalize = %+v", n)
			}
			if off := tc.in.Offset(); off != tc.wantOffset {
				t.Errorf("Offset = %d, want %d", off, tc.wantOffset)
			}
		})
	}
}
