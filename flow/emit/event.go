// Package emit provides pluggable observability for workflow executions.
//
// The engine emits one Event per significant execution transition:
// execution start/finish, node start/terminal outcome, retry attempts,
// retrieval branches and snapshot writes. Emitters route these events to a
// backend: structured logs, OpenTelemetry spans, an in-memory buffer for
// tests, or nothing at all.
package emit

// Event is one observability event emitted during workflow execution.
type Event struct {
	// ExecutionID identifies the execution that emitted this event.
	ExecutionID string

	// WorkflowID identifies the workflow definition being executed.
	WorkflowID string

	// NodeID identifies the node this event concerns. Empty for
	// execution-level events (start, complete, error).
	NodeID string

	// NodeType is the registered type of the node, when NodeID is set.
	NodeType string

	// Msg names the event. Engine-emitted values:
	//   - "execution_start", "execution_complete", "execution_error",
	//     "execution_canceled"
	//   - "node_start", "node_complete", "node_failed", "node_skipped",
	//     "node_retry"
	//   - "retrieval_branch"
	//   - "snapshot"
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": duration in milliseconds
	//   - "error": sanitized error text
	//   - "attempt": retry attempt number
	//   - "status": terminal status of the subject
	//   - "sequence": snapshot sequence number
	Meta map[string]any
}
