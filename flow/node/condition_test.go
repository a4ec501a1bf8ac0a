package node

import (
	"context"
	"testing"
)

func TestConditionNode_Validate(t *testing.T) {
	n := &ConditionNode{}
	for _, op := range []string{
		"equals", "not-equals", "contains", "not-contains",
		"greater-than", "less-than", "greater-or-equal", "less-or-equal",
		"exists", "not-exists",
	} {
		if v := n.Validate(map[string]any{"field": "score", "operator": op, "value": 5}); !v.Valid {
			t.Errorf("operator %q rejected: %v", op, v.Errors)
		}
	}
	// CamelCase aliases stay accepted for older definitions.
	for _, op := range []string{"notEquals", "greaterThan", "lessOrEqual", "notExists"} {
		if v := n.Validate(map[string]any{"field": "score", "operator": op, "value": 5}); !v.Valid {
			t.Errorf("alias %q rejected: %v", op, v.Errors)
		}
	}
	if v := n.Validate(map[string]any{"operator": "equals"}); v.Valid {
		t.Error("missing field accepted")
	}
	if v := n.Validate(map[string]any{"field": "x", "operator": "spaceship"}); v.Valid {
		t.Error("unknown operator accepted")
	}
}

func TestConditionNode_Execute(t *testing.T) {
	cases := []struct {
		name   string
		data   map[string]any
		config map[string]any
		want   bool
	}{
		{
			"equals with numeric coercion",
			map[string]any{"count": float64(3)},
			map[string]any{"field": "count", "operator": "equals", "value": 3},
			true,
		},
		{
			"not-equals",
			map[string]any{"status": "open"},
			map[string]any{"field": "status", "operator": "not-equals", "value": "closed"},
			true,
		},
		{
			"contains string",
			map[string]any{"msg": "hello world"},
			map[string]any{"field": "msg", "operator": "contains", "value": "world"},
			true,
		},
		{
			"contains list",
			map[string]any{"tags": []any{"a", "b"}},
			map[string]any{"field": "tags", "operator": "contains", "value": "b"},
			true,
		},
		{
			"not-contains string",
			map[string]any{"msg": "hello world"},
			map[string]any{"field": "msg", "operator": "not-contains", "value": "mars"},
			true,
		},
		{
			"not-contains list with present element",
			map[string]any{"tags": []any{"a", "b"}},
			map[string]any{"field": "tags", "operator": "not-contains", "value": "b"},
			false,
		},
		{
			"greater-than",
			map[string]any{"score": float64(7)},
			map[string]any{"field": "score", "operator": "greater-than", "value": 5},
			true,
		},
		{
			"less-or-equal at boundary",
			map[string]any{"score": float64(5)},
			map[string]any{"field": "score", "operator": "less-or-equal", "value": 5},
			true,
		},
		{
			"camelCase alias matches canonical",
			map[string]any{"score": float64(7)},
			map[string]any{"field": "score", "operator": "greaterThan", "value": 5},
			true,
		},
		{
			"exists on nested path",
			map[string]any{"user": map[string]any{"id": "u1"}},
			map[string]any{"field": "user.id", "operator": "exists"},
			true,
		},
		{
			"not-exists",
			map[string]any{"a": 1},
			map[string]any{"field": "b", "operator": "not-exists"},
			true,
		},
		{
			"missing field fails comparison",
			map[string]any{},
			map[string]any{"field": "ghost", "operator": "equals", "value": 1},
			false,
		},
		{
			"missing field fails not-contains",
			map[string]any{},
			map[string]any{"field": "ghost", "operator": "not-contains", "value": "x"},
			false,
		},
		{
			"non-numeric comparison fails",
			map[string]any{"score": "high"},
			map[string]any{"field": "score", "operator": "greater-than", "value": 5},
			false,
		},
	}

	n := &ConditionNode{}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := n.Execute(context.Background(), nodeInput(tc.data, tc.config), testRC(t))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			cond, ok := out.Data["_condition"].(map[string]any)
			if !ok {
				t.Fatal("no _condition in output")
			}
			if cond["result"] != tc.want {
				t.Errorf("result = %v, want %v", cond["result"], tc.want)
			}
		})
	}
}

func TestConditionNode_Passthrough(t *testing.T) {
	n := &ConditionNode{}
	data := map[string]any{"payload": "x"}
	config := map[string]any{"field": "payload", "operator": "exists"}
	out, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Data["payload"] != "x" {
		t.Error("input data not passed through")
	}
}

func TestEvaluationNode_Validate(t *testing.T) {
	n := &EvaluationNode{}
	if v := n.Validate(map[string]any{"expression": "input.score > 5"}); !v.Valid {
		t.Errorf("expression config rejected: %v", v.Errors)
	}
	if v := n.Validate(map[string]any{"field": "score", "operator": "greater-than", "value": 5}); !v.Valid {
		t.Errorf("field config rejected: %v", v.Errors)
	}
	if v := n.Validate(map[string]any{}); v.Valid {
		t.Error("empty config accepted")
	}
	if v := n.Validate(map[string]any{"expression": "input.score >"}); v.Valid {
		t.Error("malformed expression accepted")
	}
	if v := n.Validate(map[string]any{"field": "x", "operator": "vibes"}); v.Valid {
		t.Error("unknown operator accepted")
	}
}

func TestEvaluationNode_Execute(t *testing.T) {
	n := &EvaluationNode{}

	t.Run("expression pass", func(t *testing.T) {
		data := map[string]any{"score": float64(8)}
		config := map[string]any{"expression": "input.score > 5"}
		out, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		eval := out.Data["_evaluation"].(map[string]any)
		if eval["passed"] != true {
			t.Errorf("passed = %v", eval["passed"])
		}
	})

	t.Run("field predicate fail", func(t *testing.T) {
		data := map[string]any{"score": float64(2)}
		config := map[string]any{"field": "score", "operator": "greater-than", "value": 5}
		out, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		eval := out.Data["_evaluation"].(map[string]any)
		if eval["passed"] != false {
			t.Errorf("passed = %v", eval["passed"])
		}
	})

	t.Run("non-boolean expression errors", func(t *testing.T) {
		config := map[string]any{"expression": "input.score + 1"}
		_, err := n.Execute(context.Background(), nodeInput(map[string]any{"score": 1}, config), testRC(t))
		if err == nil {
			t.Fatal("expected error for non-boolean expression")
		}
	})
}
