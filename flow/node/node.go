// Package node implements the built-in node library: triggers, data
// transforms, LLM calls, HTTP requests, branching, memory access, execution
// control and the knowledge ingest/retrieve nodes.
package node

import (
	"encoding/json"
	"fmt"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/model"
	"github.com/dshills/flowrun/flow/model/anthropic"
	"github.com/dshills/flowrun/flow/model/gemini"
	"github.com/dshills/flowrun/flow/model/groq"
)

// Node type names.
const (
	TypeWebhookTrigger    = "webhook-trigger"
	TypeManualTrigger     = "manual-trigger"
	TypeScheduleTrigger   = "schedule-trigger"
	TypeDataCleaner       = "data-cleaner"
	TypeLLM               = "llm"
	TypeJSONValidator     = "json-validator"
	TypeStorage           = "storage"
	TypeLog               = "log"
	TypeHTTPRequest       = "http-request"
	TypeCondition         = "condition"
	TypeCode              = "code"
	TypeTransformer       = "transformer"
	TypeOutput            = "output"
	TypeFileUpload        = "file-upload"
	TypeMemoryWrite       = "memory-write"
	TypeMemoryRead        = "memory-read"
	TypeExecutionControl  = "execution-control"
	TypeEvaluation        = "evaluation"
	TypeKnowledgeIngest   = "knowledge-ingest"
	TypeKnowledgeRetrieve = "knowledge-retrieve"
)

// DefaultProviders returns the stock LLM provider factories.
func DefaultProviders() map[string]model.Factory {
	return map[string]model.Factory{
		"gemini":    func(apiKey string) model.Provider { return gemini.New(apiKey) },
		"groq":      func(apiKey string) model.Provider { return groq.New(apiKey) },
		"anthropic": func(apiKey string) model.Provider { return anthropic.New(apiKey) },
	}
}

// DefaultRegistry builds a registry with every built-in node. A nil
// providers map falls back to DefaultProviders.
func DefaultRegistry(providers map[string]model.Factory) *flow.Registry {
	if providers == nil {
		providers = DefaultProviders()
	}
	r := flow.NewRegistry()
	r.Register(&TriggerNode{NodeType: TypeWebhookTrigger})
	r.Register(&TriggerNode{NodeType: TypeManualTrigger})
	r.Register(&ScheduleTriggerNode{})
	r.Register(&DataCleanerNode{})
	r.Register(&LLMNode{Providers: providers})
	r.Register(&JSONValidatorNode{})
	r.Register(&StorageNode{})
	r.Register(&LogNode{})
	r.Register(&HTTPRequestNode{})
	r.Register(&ConditionNode{})
	r.Register(&CodeNode{})
	r.Register(&TransformerNode{})
	r.Register(&OutputNode{})
	r.Register(&FileUploadNode{})
	r.Register(&MemoryWriteNode{})
	r.Register(&MemoryReadNode{})
	r.Register(&ExecutionControlNode{})
	r.Register(&EvaluationNode{})
	r.Register(&KnowledgeIngestNode{})
	r.Register(&KnowledgeRetrieveNode{})
	return r
}

// configString reads a string config value.
func configString(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

// configBool reads a bool config value.
func configBool(config map[string]any, key string) bool {
	b, _ := config[key].(bool)
	return b
}

// configInt reads an integer config value, tolerating JSON float decoding.
func configInt(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// configFloat reads a float config value.
func configFloat(config map[string]any, key string, def float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

// passthrough copies the input data as the base of an output.
func passthrough(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	return out
}

// execErr wraps a node failure with its identity.
func execErr(rc *flow.RunContext, format string, args ...any) error {
	return &flow.NodeExecutionError{
		NodeID:   rc.NodeID,
		NodeType: rc.NodeType,
		Message:  fmt.Sprintf(format, args...),
	}
}

// execErrCause wraps a node failure around an underlying error.
func execErrCause(rc *flow.RunContext, cause error, msg string) error {
	return &flow.NodeExecutionError{
		NodeID:   rc.NodeID,
		NodeType: rc.NodeType,
		Message:  msg + ": " + cause.Error(),
		Cause:    cause,
	}
}
