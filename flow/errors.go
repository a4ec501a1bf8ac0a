package flow

import (
	"errors"
	"regexp"
)

// ErrCapabilityMissing indicates a node required an engine capability
// (knowledge ingestion or retrieval) that the engine was started without.
// This is permanent: retrying cannot make the capability appear.
var ErrCapabilityMissing = errors.New("required capability not configured")

// ErrExecutionCanceled indicates the execution was canceled while running.
// The scheduler finishes the current node, then stops before the next wave.
var ErrExecutionCanceled = errors.New("execution canceled")

// ValidationError reports an invalid graph or node config. Validation
// errors are permanent; the worker fails the execution without queue retry.
type ValidationError struct {
	Message string
	NodeID  string
}

func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return "validation: node " + e.NodeID + ": " + e.Message
	}
	return "validation: " + e.Message
}

// NodeExecutionError is returned by a node's Execute. It is retryable per
// the node's retry policy; once attempts are exhausted the node is marked
// failed.
type NodeExecutionError struct {
	NodeID   string
	NodeType string
	Message  string
	Cause    error
}

func (e *NodeExecutionError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *NodeExecutionError) Unwrap() error { return e.Cause }

// RetrievalError reports a retrieval provider or store failure. It feeds
// the execution's retrieval failure counters.
type RetrievalError struct {
	RetrieverKey string
	Message      string
	Cause        error
}

func (e *RetrievalError) Error() string {
	if e.RetrieverKey != "" {
		return "retrieval " + e.RetrieverKey + ": " + e.Message
	}
	return "retrieval: " + e.Message
}

// Unwrap returns the underlying cause.
func (e *RetrievalError) Unwrap() error { return e.Cause }

// IsPermanent reports whether err must not be retried by the queue:
// validation failures, unregistered node types and missing capabilities.
// Operational errors (store outage, provider timeouts) are not permanent.
func IsPermanent(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	return errors.Is(err, ErrCapabilityMissing)
}

// apiKeyPattern matches secret-looking fragments in error text:
// key=..., apikey: ..., and Bearer tokens.
var apiKeyPattern = regexp.MustCompile(`(?i)((?:api[_-]?key|key|token|secret)\s*[=:]\s*|Bearer\s+)[A-Za-z0-9._\-]{4,}`)

// SanitizeMessage redacts api-key-like tokens from user-visible error text.
// Every message persisted on execution, step, document or retrieval rows
// passes through here.
func SanitizeMessage(msg string) string {
	return apiKeyPattern.ReplaceAllString(msg, "${1}[REDACTED]")
}

// SanitizeError is a convenience for sanitizing an error's message.
// Returns "" for nil.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeMessage(err.Error())
}
