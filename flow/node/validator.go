package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/flowrun/flow"
)

// JSONValidatorNode checks the input data against required fields and field
// type constraints. In strict mode a failed validation fails the node;
// otherwise the verdict is attached under "_validation".
type JSONValidatorNode struct{}

// Type returns "json-validator".
func (n *JSONValidatorNode) Type() string { return TypeJSONValidator }

// Validate checks the constraint config shapes.
func (n *JSONValidatorNode) Validate(config map[string]any) flow.ValidationResult {
	if raw, ok := config["requiredFields"]; ok {
		if _, err := stringList(raw); err != nil {
			return flow.Invalid("requiredFields must be a list of field paths")
		}
	}
	if raw, ok := config["fieldTypes"]; ok {
		types, ok := raw.(map[string]any)
		if !ok {
			return flow.Invalid("fieldTypes must be a map of field path to type")
		}
		for field, t := range types {
			typeName, ok := t.(string)
			if !ok || !validFieldType(typeName) {
				return flow.Invalid(fmt.Sprintf("fieldTypes.%s must name a JSON type", field))
			}
		}
	}
	return flow.ValidOK()
}

// Execute evaluates the constraints over the input data.
func (n *JSONValidatorNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig
	errs := make([]string, 0)

	if raw, ok := config["requiredFields"]; ok {
		fields, _ := stringList(raw)
		for _, field := range fields {
			if _, found := flow.LookupPath(input.Data, field); !found {
				errs = append(errs, "missing required field: "+field)
			}
		}
	}

	if raw, ok := config["fieldTypes"].(map[string]any); ok {
		for field, t := range raw {
			expected, _ := t.(string)
			value, found := flow.LookupPath(input.Data, field)
			if !found {
				continue
			}
			if actual := jsonTypeName(value); actual != expected {
				errs = append(errs, fmt.Sprintf("field %s: expected %s, got %s", field, expected, actual))
			}
		}
	}

	valid := len(errs) == 0
	if !valid && configBool(config, "strict") {
		return flow.NodeOutput{}, execErr(rc, "validation failed: %s", strings.Join(errs, "; "))
	}

	errList := make([]any, len(errs))
	for i, e := range errs {
		errList[i] = e
	}
	out := passthrough(input.Data)
	out["_validation"] = map[string]any{"valid": valid, "errors": errList}
	return flow.NodeOutput{Data: out}, nil
}

func validFieldType(name string) bool {
	switch name {
	case "string", "number", "boolean", "object", "array", "null":
		return true
	}
	return false
}

// jsonTypeName classifies a decoded JSON value.
func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

// stringList decodes a config list of strings.
func stringList(raw any) ([]string, error) {
	switch t := raw.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected string list")
}
