// Package store provides persistence for workflows, executions and the
// knowledge subsystem.
//
// The Store interface is the persistence gateway consumed by the execution
// engine, the workers and the services. Implementations:
//   - In-memory storage (for testing, see memory.go)
//   - SQLite (single-file database, see sqlite.go)
//   - MySQL (shared relational store, see mysql.go)
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write collides with an existing row
// (duplicate id, stale version).
var ErrConflict = errors.New("conflict")

// Workflow lifecycle status.
const (
	WorkflowActive   = "active"
	WorkflowInactive = "inactive"
)

// Execution statuses.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCanceled  = "canceled"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Attempt statuses.
const (
	AttemptCompleted = "completed"
	AttemptRetry     = "retry"
	AttemptFailed    = "failed"
)

// Corpus scope types.
const (
	ScopeUser      = "user"
	ScopeWorkflow  = "workflow"
	ScopeExecution = "execution"
)

// Corpus statuses.
const (
	CorpusIngesting = "ingesting"
	CorpusReady     = "ready"
	CorpusFailed    = "failed"
)

// Document statuses.
const (
	DocumentPending    = "pending"
	DocumentProcessing = "processing"
	DocumentReady      = "ready"
	DocumentFailed     = "failed"
)

// Workflow is the persisted workflow record. The node/edge graph is stored
// as an opaque JSON definition; the worker hydrates it into the engine's
// typed model at enqueue time so a running execution always sees a snapshot.
type Workflow struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status"`
	Definition  json.RawMessage `json:"definition"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflowId"`
	UserID         string          `json:"userId"`
	Status         string          `json:"status"`
	TriggerPayload json.RawMessage `json:"triggerPayload,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ExecutionStep records the terminal outcome of one node within an execution.
type ExecutionStep struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"executionId"`
	NodeID      string          `json:"nodeId"`
	NodeType    string          `json:"nodeType"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	DurationMS  int64           `json:"durationMs"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// StepAttempt records a single attempt of a node, in attempt order.
type StepAttempt struct {
	ExecutionID string    `json:"executionId"`
	NodeID      string    `json:"nodeId"`
	NodeType    string    `json:"nodeType"`
	Attempt     int       `json:"attempt"`
	Status      string    `json:"status"`
	DurationMS  int64     `json:"durationMs"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ContextSnapshot is a persisted copy of the execution context. Sequences
// are dense per execution, starting at 0 with reason "init" and ending with
// "final", "error" or "canceled".
type ContextSnapshot struct {
	ExecutionID string          `json:"executionId"`
	Sequence    int             `json:"sequence"`
	Reason      string          `json:"reason"`
	NodeID      string          `json:"nodeId,omitempty"`
	NodeType    string          `json:"nodeType,omitempty"`
	State       json.RawMessage `json:"state"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// RetrievalEvent records one retrieval branch attempt during an execution.
type RetrievalEvent struct {
	ExecutionID      string    `json:"executionId"`
	NodeID           string    `json:"nodeId"`
	NodeType         string    `json:"nodeType"`
	Query            string    `json:"query"`
	TopK             int       `json:"topK"`
	Attempt          int       `json:"attempt"`
	MaxAttempts      int       `json:"maxAttempts"`
	Status           string    `json:"status"`
	MatchesCount     int       `json:"matchesCount"`
	DurationMS       int64     `json:"durationMs"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	ScopeType        string    `json:"scopeType,omitempty"`
	CorpusID         string    `json:"corpusId,omitempty"`
	WorkflowIDScope  string    `json:"workflowIdScope,omitempty"`
	ExecutionIDScope string    `json:"executionIdScope,omitempty"`
	Strategy         string    `json:"strategy,omitempty"`
	RetrieverKey     string    `json:"retrieverKey,omitempty"`
	BranchIndex      int       `json:"branchIndex"`
	Selected         bool      `json:"selected"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Retrieval event statuses.
const (
	RetrievalSuccess = "success"
	RetrievalEmpty   = "empty"
	RetrievalFailed  = "failed"
)

// Corpus is a named container of documents for retrieval, scoped to a user,
// a workflow or a single execution.
type Corpus struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	ScopeType   string          `json:"scopeType"`
	WorkflowID  string          `json:"workflowId,omitempty"`
	ExecutionID string          `json:"executionId,omitempty"`
	Status      string          `json:"status"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Document is a single ingested text within a corpus.
type Document struct {
	ID          string          `json:"id"`
	CorpusID    string          `json:"corpusId"`
	UserID      string          `json:"userId"`
	SourceType  string          `json:"sourceType"`
	Title       string          `json:"title"`
	MimeType    string          `json:"mimeType,omitempty"`
	ContentText string          `json:"contentText"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Chunk is one embedded slice of a document.
type Chunk struct {
	ID             string          `json:"id"`
	CorpusID       string          `json:"corpusId"`
	DocumentID     string          `json:"documentId"`
	ChunkIndex     int             `json:"chunkIndex"`
	Content        string          `json:"content"`
	TokenCount     int             `json:"tokenCount,omitempty"`
	Embedding      []float64       `json:"embedding"`
	EmbeddingModel string          `json:"embeddingModel"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Page is a pagination request. Zero values normalize to the first page
// with the default limit.
type Page struct {
	Page  int
	Limit int
}

// Normalize clamps the page to valid bounds: page >= 1, limit in [1, 200].
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 50
	}
	if p.Limit > 200 {
		p.Limit = 200
	}
	return p
}

// Offset returns the row offset for the normalized page.
func (p Page) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.Limit
}

// CorpusFilter selects corpora for the retrieval query path.
// UserID is required; the remaining fields narrow the scope.
type CorpusFilter struct {
	UserID      string
	CorpusID    string
	ScopeType   string
	WorkflowID  string
	ExecutionID string
}

// Store is the persistence gateway. All timestamps are UTC. Writes to
// execution-scoped tables are linearized per execution by the callers;
// implementations only need per-call atomicity.
type Store interface {
	// Workflows.
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListActiveWorkflows(ctx context.Context) ([]*Workflow, error)

	// Executions.
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, ex *Execution) error
	ListExecutionsByWorkflow(ctx context.Context, workflowID string, page Page) ([]*Execution, error)

	// Steps and attempts.
	SaveStep(ctx context.Context, step *ExecutionStep) error
	ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error)
	SaveStepAttempt(ctx context.Context, attempt *StepAttempt) error
	ListStepAttempts(ctx context.Context, executionID string, page Page) ([]*StepAttempt, error)

	// Context snapshots.
	SaveContextSnapshot(ctx context.Context, snap *ContextSnapshot) error
	ListContextSnapshots(ctx context.Context, executionID string, page Page) ([]*ContextSnapshot, error)

	// Retrieval events.
	SaveRetrievalEvent(ctx context.Context, ev *RetrievalEvent) error
	ListRetrievalEvents(ctx context.Context, executionID string, page Page) ([]*RetrievalEvent, error)

	// Knowledge corpora.
	CreateCorpus(ctx context.Context, c *Corpus) error
	GetCorpus(ctx context.Context, id string) (*Corpus, error)
	UpdateCorpusStatus(ctx context.Context, id, status string) error
	ListCorpora(ctx context.Context, userID string, page Page) ([]*Corpus, error)
	FindCorpora(ctx context.Context, filter CorpusFilter) ([]*Corpus, error)

	// Knowledge documents. A corpus exclusively owns its documents.
	CreateDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	UpdateDocument(ctx context.Context, d *Document) error
	ListDocuments(ctx context.Context, corpusID string, page Page) ([]*Document, error)

	// Knowledge chunks. ReplaceChunks deletes the document's existing chunks
	// and inserts the given set in one atomic operation.
	ReplaceChunks(ctx context.Context, documentID string, chunks []*Chunk) error
	ListChunks(ctx context.Context, documentID string, page Page) ([]*Chunk, error)
	ChunksByCorpora(ctx context.Context, corpusIDs []string, limit int) ([]*Chunk, error)

	// Close releases underlying resources.
	Close() error
}
