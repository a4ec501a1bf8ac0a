package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/dshills/flowrun/flow"
)

// Condition operators, keyed by accepted token and mapped to the canonical
// kebab-case spelling. CamelCase aliases are kept for older definitions.
var conditionOperators = map[string]string{
	"equals":           "equals",
	"not-equals":       "not-equals",
	"notEquals":        "not-equals",
	"contains":         "contains",
	"not-contains":     "not-contains",
	"notContains":      "not-contains",
	"greater-than":     "greater-than",
	"greaterThan":      "greater-than",
	"less-than":        "less-than",
	"lessThan":         "less-than",
	"greater-or-equal": "greater-or-equal",
	"greaterOrEqual":   "greater-or-equal",
	"less-or-equal":    "less-or-equal",
	"lessOrEqual":      "less-or-equal",
	"exists":           "exists",
	"not-exists":       "not-exists",
	"notExists":        "not-exists",
}

// ConditionNode evaluates a field predicate and routes downstream edges via
// the "true"/"false" tokens derived from "_condition.result".
type ConditionNode struct{}

// Type returns "condition".
func (n *ConditionNode) Type() string { return TypeCondition }

// Validate requires a field and a known operator.
func (n *ConditionNode) Validate(config map[string]any) flow.ValidationResult {
	if configString(config, "field") == "" {
		return flow.Invalid("condition requires field")
	}
	op := configString(config, "operator")
	if _, ok := conditionOperators[op]; !ok {
		return flow.Invalid("unknown operator: " + op)
	}
	return flow.ValidOK()
}

// Execute evaluates the predicate over the input data.
func (n *ConditionNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig
	field := configString(config, "field")
	op := configString(config, "operator")

	result := evalOperator(input.Data, field, op, config["value"])

	out := passthrough(input.Data)
	out["_condition"] = map[string]any{"result": result, "field": field, "operator": op}
	return flow.NodeOutput{Data: out}, nil
}

// evalOperator applies one predicate operator to a field of the data.
func evalOperator(data map[string]any, field, op string, expected any) bool {
	op = conditionOperators[op]
	value, found := flow.LookupPath(data, field)
	switch op {
	case "exists":
		return found
	case "not-exists":
		return !found
	}
	if !found {
		return false
	}
	switch op {
	case "equals":
		return looseEqual(value, expected)
	case "not-equals":
		return !looseEqual(value, expected)
	case "contains":
		return containsValue(value, expected)
	case "not-contains":
		return !containsValue(value, expected)
	case "greater-than", "less-than", "greater-or-equal", "less-or-equal":
		a, aok := toFloat(value)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false
		}
		switch op {
		case "greater-than":
			return a > b
		case "less-than":
			return a < b
		case "greater-or-equal":
			return a >= b
		default:
			return a <= b
		}
	}
	return false
}

// containsValue reports whether a string contains the rendered expected
// value, or a list contains a loosely equal element.
func containsValue(value, expected any) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, fmt.Sprintf("%v", expected))
	case []any:
		for _, item := range v {
			if looseEqual(item, expected) {
				return true
			}
		}
	}
	return false
}

// looseEqual compares values with numeric coercion so that JSON-decoded
// float64(3) equals config int 3.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// EvaluationNode scores the input against a pass/fail predicate and routes
// via the "pass"/"fail" tokens derived from "_evaluation.passed". The
// predicate is either a field/operator/value triple or an expression over
// the input.
type EvaluationNode struct{}

// Type returns "evaluation".
func (n *EvaluationNode) Type() string { return TypeEvaluation }

// Validate requires either an expression or a field predicate.
func (n *EvaluationNode) Validate(config map[string]any) flow.ValidationResult {
	expression := configString(config, "expression")
	field := configString(config, "field")
	if expression == "" && field == "" {
		return flow.Invalid("evaluation requires expression or field")
	}
	if expression != "" {
		if _, err := expr.Compile(expression, expr.AllowUndefinedVariables()); err != nil {
			return flow.Invalid("invalid expression: " + err.Error())
		}
	}
	if field != "" {
		op := configString(config, "operator")
		if _, ok := conditionOperators[op]; !ok {
			return flow.Invalid("unknown operator: " + op)
		}
	}
	return flow.ValidOK()
}

// Execute evaluates the predicate.
func (n *EvaluationNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig
	passed := false
	reason := ""

	if expression := configString(config, "expression"); expression != "" {
		program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return flow.NodeOutput{}, execErrCause(rc, err, "compile expression")
		}
		result, err := expr.Run(program, map[string]any{"input": input.Data})
		if err != nil {
			return flow.NodeOutput{}, execErrCause(rc, err, "evaluate expression")
		}
		b, ok := result.(bool)
		if !ok {
			return flow.NodeOutput{}, execErr(rc, "expression must evaluate to a boolean, got %T", result)
		}
		passed = b
		reason = expression
	} else {
		field := configString(config, "field")
		op := configString(config, "operator")
		passed = evalOperator(input.Data, field, op, config["value"])
		reason = field + " " + op
	}

	out := passthrough(input.Data)
	out["_evaluation"] = map[string]any{"passed": passed, "reason": reason}
	return flow.NodeOutput{Data: out}, nil
}
