package node

import (
	"context"
	"time"

	"github.com/expr-lang/expr"

	"github.com/dshills/flowrun/flow"
)

// TransformerNode reshapes the input: either declarative mappings of output
// key to input path, or an expression producing the new object.
type TransformerNode struct{}

// Type returns "transformer".
func (n *TransformerNode) Type() string { return TypeTransformer }

// Validate requires exactly one of expression or mappings.
func (n *TransformerNode) Validate(config map[string]any) flow.ValidationResult {
	expression := configString(config, "expression")
	_, hasMappings := config["mappings"]
	if expression == "" && !hasMappings {
		return flow.Invalid("transformer requires expression or mappings")
	}
	if expression != "" && hasMappings {
		return flow.Invalid("transformer takes expression or mappings, not both")
	}
	if expression != "" {
		if _, err := expr.Compile(expression, expr.AllowUndefinedVariables()); err != nil {
			return flow.Invalid("invalid expression: " + err.Error())
		}
	}
	if hasMappings {
		mappings, ok := config["mappings"].(map[string]any)
		if !ok || len(mappings) == 0 {
			return flow.Invalid("mappings must be a non-empty map of output key to input path")
		}
		for key, path := range mappings {
			if _, ok := path.(string); !ok {
				return flow.Invalid("mappings." + key + " must be an input path")
			}
		}
	}
	return flow.ValidOK()
}

// Execute applies the transform.
func (n *TransformerNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig

	if mappings, ok := config["mappings"].(map[string]any); ok {
		out := make(map[string]any, len(mappings))
		for key, raw := range mappings {
			path, _ := raw.(string)
			if v, found := flow.LookupPath(input.Data, path); found {
				out[key] = v
			}
		}
		return flow.NodeOutput{Data: out}, nil
	}

	expression := configString(config, "expression")
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "compile expression")
	}
	result, err := expr.Run(program, map[string]any{"input": input.Data})
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "transform")
	}
	if m, ok := result.(map[string]any); ok {
		return flow.NodeOutput{Data: m}, nil
	}
	return flow.NodeOutput{Data: map[string]any{"result": result}}, nil
}

// OutputNode marks an execution's result collection point: it passes the
// input through stamped with collection metadata.
type OutputNode struct{}

// Type returns "output".
func (n *OutputNode) Type() string { return TypeOutput }

// Validate accepts any config.
func (n *OutputNode) Validate(config map[string]any) flow.ValidationResult {
	return flow.ValidOK()
}

// Execute stamps the passthrough with the collection marker.
func (n *OutputNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	out := passthrough(input.Data)
	out["_output"] = map[string]any{
		"collectedAt": time.Now().UTC().Format(time.RFC3339),
		"executionId": rc.ExecutionID,
		"workflowId":  rc.WorkflowID,
	}
	return flow.NodeOutput{Data: out}, nil
}
