package flow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NodeInput is the assembled input for one node execution. Data is the
// shallow merge of active-parent outputs (wave left-to-right, later keys
// overwrite), or the execution's trigger payload when the node has no
// active parent.
type NodeInput struct {
	Data     map[string]any `json:"data"`
	Metadata InputMetadata  `json:"metadata"`
}

// InputMetadata carries the node's static config snapshot.
type InputMetadata struct {
	NodeConfig map[string]any `json:"nodeConfig"`
}

// NodeOutput is the result of one node execution attempt. Metadata is
// free-form; the runner inspects metadata["retry"] for a retry directive
// and the data keys "_condition", "_evaluation", "_route" and "_branch"
// for route tokens.
type NodeOutput struct {
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RetryDirective asks the runner to re-invoke Execute.
type RetryDirective struct {
	Requested bool   `json:"requested"`
	Reason    string `json:"reason,omitempty"`
}

// WithRetry attaches a retry directive to the output.
func (o NodeOutput) WithRetry(reason string) NodeOutput {
	if o.Metadata == nil {
		o.Metadata = make(map[string]any)
	}
	o.Metadata["retry"] = map[string]any{"requested": true, "reason": reason}
	return o
}

// retryDirective extracts the retry directive from an output, if any.
func retryDirective(out NodeOutput) (RetryDirective, bool) {
	raw, ok := out.Metadata["retry"]
	if !ok {
		return RetryDirective{}, false
	}
	switch v := raw.(type) {
	case RetryDirective:
		return v, true
	case *RetryDirective:
		return *v, true
	case map[string]any:
		d := RetryDirective{}
		if req, ok := v["requested"].(bool); ok {
			d.Requested = req
		}
		if reason, ok := v["reason"].(string); ok {
			d.Reason = reason
		}
		return d, true
	}
	return RetryDirective{}, false
}

// ValidationResult reports per-node config validation.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Valid returns a passing validation result.
func ValidOK() ValidationResult { return ValidationResult{Valid: true} }

// Invalid returns a failing validation result with the given messages.
func Invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// Definition is one registered node kind. Implementations live in
// flow/node; the engine only sees this contract.
//
// Execute must respect context cancellation and return either a NodeOutput
// or an error. Errors are retried per the node's retry policy; a returned
// output may itself request a retry through its metadata.
type Definition interface {
	// Type returns the unique node type name (e.g. "llm", "condition").
	Type() string

	// Validate checks the node's static config. Called once per node
	// before any node runs; a failure fails the whole execution.
	Validate(config map[string]any) ValidationResult

	// Execute runs the node.
	Execute(ctx context.Context, input NodeInput, rc *RunContext) (NodeOutput, error)
}

// ContextAccessor is the context mutation surface handed to nodes. Both
// the live Context and a forked View satisfy it, so node code is agnostic
// to whether its wave runs sequentially or concurrently.
type ContextAccessor interface {
	SetMemory(key string, value any)
	GetMemory(key string) (any, bool)
	SetKnowledge(key string, value any)
	ApplyPatch(p Patch)
	AddRetrieval(status string, duration time.Duration)
}

// View read helpers so a forked view satisfies ContextAccessor.

// GetMemory reads from the view's private state.
func (v *View) GetMemory(key string) (any, bool) { return v.ctx.GetMemory(key) }

// Match is one retrieval hit returned by the knowledge store.
type Match struct {
	ChunkID    string  `json:"chunkId"`
	DocumentID string  `json:"documentId"`
	CorpusID   string  `json:"corpusId"`
	ChunkIndex int     `json:"chunkIndex"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// RetrieveRequest is one branch query against the knowledge store.
type RetrieveRequest struct {
	UserID      string
	Query       string
	TopK        int
	CorpusID    string
	ScopeType   string
	WorkflowID  string
	ExecutionID string
}

// RetrieveFunc is the retrieval capability. Implementations are provided
// by the knowledge subsystem when the engine is assembled.
type RetrieveFunc func(ctx context.Context, req RetrieveRequest) ([]Match, error)

// IngestDocumentSpec is one document handed to the ingestion capability.
type IngestDocumentSpec struct {
	Title      string
	Content    string
	SourceType string
	MimeType   string
}

// IngestRequest creates (or reuses) a corpus and synchronously ingests the
// given documents.
type IngestRequest struct {
	UserID      string
	WorkflowID  string
	ExecutionID string
	CorpusID    string
	CorpusName  string
	ScopeType   string
	Documents   []IngestDocumentSpec
}

// IngestedDocument describes one ingested document.
type IngestedDocument struct {
	CorpusID   string `json:"corpusId"`
	DocumentID string `json:"documentId"`
	ChunkCount int    `json:"chunkCount"`
	Status     string `json:"status"`
}

// IngestResult is the outcome of an IngestRequest.
type IngestResult struct {
	CorpusID  string             `json:"corpusId"`
	Documents []IngestedDocument `json:"documents"`
}

// IngestFunc is the knowledge ingestion capability.
type IngestFunc func(ctx context.Context, req IngestRequest) (IngestResult, error)

// APIKeyFunc resolves a plaintext provider API key for a user.
type APIKeyFunc func(ctx context.Context, userID, provider string) (string, error)

// Capabilities are the optional engine services a node may require.
// A node needing an absent capability fails permanently with
// ErrCapabilityMissing.
type Capabilities struct {
	GetAPIKey         APIKeyFunc
	IngestKnowledge   IngestFunc
	RetrieveKnowledge RetrieveFunc
}

// RunContext is the per-node execution environment: identity, logging,
// context access, capabilities and the retrieval orchestrator entry point.
type RunContext struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	NodeID      string
	NodeType    string

	Logger zerolog.Logger
	State  ContextAccessor
	Caps   Capabilities

	// TriggerPayload is the execution's original trigger payload,
	// available to trigger nodes regardless of graph position.
	TriggerPayload map[string]any

	// onRetrievalEvent receives one event per retrieval branch attempt.
	// Wired by the runner; nil in bare unit tests.
	onRetrievalEvent func(ev RetrievalBranchEvent)

	// retrievalBounds reports crossed retrieval bounds, wired to the
	// execution context.
	retrievalBounds func() error

	// now is the engine clock, wired by the runner so branch timings are
	// deterministic under an injected clock.
	now func() time.Time
}

// timeNow returns the injected engine clock, or the wall clock when unset.
func (rc *RunContext) timeNow() time.Time {
	if rc.now != nil {
		return rc.now()
	}
	return time.Now()
}

// Registry maps node type names to definitions. It is a process-wide
// read-mostly map populated once at startup.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Registering a duplicate type replaces the
// previous definition; startup code treats that as intentional.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type()] = def
}

// Get returns the definition for a node type.
func (r *Registry) Get(nodeType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[nodeType]
	return def, ok
}

// Types returns the sorted list of registered node types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
