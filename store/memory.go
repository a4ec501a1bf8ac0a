package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process deployments without durability requirements
//
// MemStore is thread-safe and supports concurrent access. Data is lost when
// the process terminates; for production use the SQLite or MySQL stores.
type MemStore struct {
	mu         sync.RWMutex
	workflows  map[string]*Workflow
	executions map[string]*Execution
	steps      map[string][]*ExecutionStep  // executionID -> steps in save order
	attempts   map[string][]*StepAttempt    // executionID -> attempts in save order
	snapshots  map[string][]*ContextSnapshot
	retrievals map[string][]*RetrievalEvent
	corpora    map[string]*Corpus
	documents  map[string]*Document
	chunks     map[string][]*Chunk // documentID -> chunks by index
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:  make(map[string]*Workflow),
		executions: make(map[string]*Execution),
		steps:      make(map[string][]*ExecutionStep),
		attempts:   make(map[string][]*StepAttempt),
		snapshots:  make(map[string][]*ContextSnapshot),
		retrievals: make(map[string][]*RetrievalEvent),
		corpora:    make(map[string]*Corpus),
		documents:  make(map[string]*Document),
		chunks:     make(map[string][]*Chunk),
	}
}

// clone returns an independent copy via JSON round-trip so callers cannot
// mutate stored rows through returned pointers.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		out := *v
		return &out
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		c := *v
		return &c
	}
	return out
}

func paginate[T any](items []*T, page Page) []*T {
	p := page.Normalize()
	off := page.Offset()
	if off >= len(items) {
		return []*T{}
	}
	end := off + p.Limit
	if end > len(items) {
		end = len(items)
	}
	out := make([]*T, 0, end-off)
	for _, it := range items[off:end] {
		out = append(out, clone(it))
	}
	return out
}

// SaveWorkflow inserts or replaces a workflow row.
func (m *MemStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = clone(wf)
	return nil
}

// GetWorkflow returns a workflow by id.
func (m *MemStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(wf), nil
}

// ListActiveWorkflows returns all workflows with status "active",
// ordered by id for deterministic iteration.
func (m *MemStore) ListActiveWorkflows(_ context.Context) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Workflow, 0)
	for _, wf := range m.workflows {
		if wf.Status == WorkflowActive {
			out = append(out, clone(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateExecution inserts a new execution row. Returns ErrConflict when the
// id already exists.
func (m *MemStore) CreateExecution(_ context.Context, ex *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[ex.ID]; exists {
		return ErrConflict
	}
	m.executions[ex.ID] = clone(ex)
	return nil
}

// GetExecution returns an execution by id.
func (m *MemStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ex), nil
}

// UpdateExecution replaces an existing execution row.
func (m *MemStore) UpdateExecution(_ context.Context, ex *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[ex.ID]; !ok {
		return ErrNotFound
	}
	m.executions[ex.ID] = clone(ex)
	return nil
}

// ListExecutionsByWorkflow returns executions for a workflow, newest first.
func (m *MemStore) ListExecutionsByWorkflow(_ context.Context, workflowID string, page Page) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Execution, 0)
	for _, ex := range m.executions {
		if ex.WorkflowID == workflowID {
			all = append(all, ex)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return paginate(all, page), nil
}

// SaveStep appends a terminal step record for an execution.
func (m *MemStore) SaveStep(_ context.Context, step *ExecutionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[step.ExecutionID] = append(m.steps[step.ExecutionID], clone(step))
	return nil
}

// ListSteps returns all step records for an execution in save order.
func (m *MemStore) ListSteps(_ context.Context, executionID string) ([]*ExecutionStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := m.steps[executionID]
	out := make([]*ExecutionStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, clone(s))
	}
	return out, nil
}

// SaveStepAttempt appends an attempt record.
func (m *MemStore) SaveStepAttempt(_ context.Context, attempt *StepAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[attempt.ExecutionID] = append(m.attempts[attempt.ExecutionID], clone(attempt))
	return nil
}

// ListStepAttempts returns attempt records for an execution ordered by
// (nodeID, attempt).
func (m *MemStore) ListStepAttempts(_ context.Context, executionID string, page Page) ([]*StepAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := append([]*StepAttempt(nil), m.attempts[executionID]...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].NodeID == all[j].NodeID {
			return all[i].Attempt < all[j].Attempt
		}
		return all[i].NodeID < all[j].NodeID
	})
	return paginate(all, page), nil
}

// SaveContextSnapshot appends a context snapshot.
func (m *MemStore) SaveContextSnapshot(_ context.Context, snap *ContextSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ExecutionID] = append(m.snapshots[snap.ExecutionID], clone(snap))
	return nil
}

// ListContextSnapshots returns snapshots ordered by sequence.
func (m *MemStore) ListContextSnapshots(_ context.Context, executionID string, page Page) ([]*ContextSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := append([]*ContextSnapshot(nil), m.snapshots[executionID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].Sequence < all[j].Sequence })
	return paginate(all, page), nil
}

// SaveRetrievalEvent appends a retrieval event.
func (m *MemStore) SaveRetrievalEvent(_ context.Context, ev *RetrievalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrievals[ev.ExecutionID] = append(m.retrievals[ev.ExecutionID], clone(ev))
	return nil
}

// ListRetrievalEvents returns retrieval events in emission order.
func (m *MemStore) ListRetrievalEvents(_ context.Context, executionID string, page Page) ([]*RetrievalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return paginate(m.retrievals[executionID], page), nil
}

// CreateCorpus inserts a new corpus.
func (m *MemStore) CreateCorpus(_ context.Context, c *Corpus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.corpora[c.ID]; exists {
		return ErrConflict
	}
	m.corpora[c.ID] = clone(c)
	return nil
}

// GetCorpus returns a corpus by id.
func (m *MemStore) GetCorpus(_ context.Context, id string) (*Corpus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.corpora[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// UpdateCorpusStatus sets a corpus status.
func (m *MemStore) UpdateCorpusStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.corpora[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	return nil
}

// ListCorpora returns a user's corpora ordered by creation time, newest first.
func (m *MemStore) ListCorpora(_ context.Context, userID string, page Page) ([]*Corpus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Corpus, 0)
	for _, c := range m.corpora {
		if c.UserID == userID {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return paginate(all, page), nil
}

// FindCorpora returns corpora matching the filter, ordered by id.
func (m *MemStore) FindCorpora(_ context.Context, filter CorpusFilter) ([]*Corpus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Corpus, 0)
	for _, c := range m.corpora {
		if !corpusMatches(c, filter) {
			continue
		}
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func corpusMatches(c *Corpus, f CorpusFilter) bool {
	if f.UserID != "" && c.UserID != f.UserID {
		return false
	}
	if f.CorpusID != "" && c.ID != f.CorpusID {
		return false
	}
	if f.ScopeType != "" && c.ScopeType != f.ScopeType {
		return false
	}
	if f.WorkflowID != "" && c.WorkflowID != f.WorkflowID {
		return false
	}
	if f.ExecutionID != "" && c.ExecutionID != f.ExecutionID {
		return false
	}
	return true
}

// CreateDocument inserts a new document.
func (m *MemStore) CreateDocument(_ context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.documents[d.ID]; exists {
		return ErrConflict
	}
	m.documents[d.ID] = clone(d)
	return nil
}

// GetDocument returns a document by id.
func (m *MemStore) GetDocument(_ context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

// UpdateDocument replaces an existing document row.
func (m *MemStore) UpdateDocument(_ context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[d.ID]; !ok {
		return ErrNotFound
	}
	m.documents[d.ID] = clone(d)
	return nil
}

// ListDocuments returns a corpus's documents ordered by creation time.
func (m *MemStore) ListDocuments(_ context.Context, corpusID string, page Page) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Document, 0)
	for _, d := range m.documents {
		if d.CorpusID == corpusID {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return paginate(all, page), nil
}

// ReplaceChunks atomically swaps the document's chunk set.
func (m *MemStore) ReplaceChunks(_ context.Context, documentID string, chunks []*Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	replaced := make([]*Chunk, 0, len(chunks))
	for _, c := range chunks {
		replaced = append(replaced, clone(c))
	}
	sort.Slice(replaced, func(i, j int) bool { return replaced[i].ChunkIndex < replaced[j].ChunkIndex })
	m.chunks[documentID] = replaced
	return nil
}

// ListChunks returns a document's chunks ordered by chunk index.
func (m *MemStore) ListChunks(_ context.Context, documentID string, page Page) ([]*Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return paginate(m.chunks[documentID], page), nil
}

// ChunksByCorpora returns up to limit chunks belonging to the given corpora.
// Chunks are returned in (corpusID, documentID, chunkIndex) order so the
// candidate set is stable across calls.
func (m *MemStore) ChunksByCorpora(_ context.Context, corpusIDs []string, limit int) ([]*Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]bool, len(corpusIDs))
	for _, id := range corpusIDs {
		wanted[id] = true
	}
	all := make([]*Chunk, 0)
	for _, chunks := range m.chunks {
		for _, c := range chunks {
			if wanted[c.CorpusID] {
				all = append(all, c)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool {
		ki := all[i].CorpusID + "\x00" + all[i].DocumentID
		kj := all[j].CorpusID + "\x00" + all[j].DocumentID
		if ki == kj {
			return all[i].ChunkIndex < all[j].ChunkIndex
		}
		return strings.Compare(ki, kj) < 0
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*Chunk, 0, len(all))
	for _, c := range all {
		out = append(out, clone(c))
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }
