package node

import (
	"context"
	"testing"
)

func TestTransformerNode_Validate(t *testing.T) {
	n := &TransformerNode{}
	if v := n.Validate(map[string]any{"mappings": map[string]any{"out": "in.path"}}); !v.Valid {
		t.Errorf("mappings config rejected: %v", v.Errors)
	}
	if v := n.Validate(map[string]any{"expression": `{"a": input.b}`}); !v.Valid {
		t.Errorf("expression config rejected: %v", v.Errors)
	}
	if v := n.Validate(map[string]any{}); v.Valid {
		t.Error("empty config accepted")
	}
	if v := n.Validate(map[string]any{"expression": "input.a", "mappings": map[string]any{"x": "y"}}); v.Valid {
		t.Error("both expression and mappings accepted")
	}
	if v := n.Validate(map[string]any{"mappings": map[string]any{}}); v.Valid {
		t.Error("empty mappings accepted")
	}
	if v := n.Validate(map[string]any{"mappings": map[string]any{"out": 7}}); v.Valid {
		t.Error("non-string mapping path accepted")
	}
}

func TestTransformerNode_Mappings(t *testing.T) {
	n := &TransformerNode{}
	data := map[string]any{
		"user":  map[string]any{"name": "jane", "age": float64(30)},
		"extra": "dropped",
	}
	config := map[string]any{"mappings": map[string]any{
		"fullName": "user.name",
		"years":    "user.age",
		"missing":  "user.ghost",
	}}
	out, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Data["fullName"] != "jane" || out.Data["years"] != float64(30) {
		t.Errorf("mapped output = %v", out.Data)
	}
	if _, ok := out.Data["missing"]; ok {
		t.Error("unresolved mapping produced a key")
	}
	if _, ok := out.Data["extra"]; ok {
		t.Error("unmapped input leaked into output")
	}
}

func TestTransformerNode_Expression(t *testing.T) {
	n := &TransformerNode{}

	t.Run("map result becomes output", func(t *testing.T) {
		data := map[string]any{"a": float64(2), "b": float64(3)}
		config := map[string]any{"expression": `{"sum": input.a + input.b}`}
		out, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.Data["sum"] != float64(5) {
			t.Errorf("sum = %v", out.Data["sum"])
		}
	})

	t.Run("scalar result wraps under result", func(t *testing.T) {
		config := map[string]any{"expression": "input.a * 2"}
		out, err := n.Execute(context.Background(), nodeInput(map[string]any{"a": float64(4)}, config), testRC(t))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.Data["result"] != float64(8) {
			t.Errorf("result = %v", out.Data["result"])
		}
	})
}

func TestOutputNode(t *testing.T) {
	n := &OutputNode{}
	if v := n.Validate(map[string]any{}); !v.Valid {
		t.Error("output node should accept empty config")
	}

	rc := testRC(t)
	out, err := n.Execute(context.Background(), nodeInput(map[string]any{"answer": 42}, nil), rc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Data["answer"] != 42 {
		t.Error("input not passed through")
	}
	marker, ok := out.Data["_output"].(map[string]any)
	if !ok {
		t.Fatal("no _output marker")
	}
	if marker["executionId"] != "ex-1" || marker["workflowId"] != "wf-1" {
		t.Errorf("marker identity = %v", marker)
	}
	if marker["collectedAt"] == "" {
		t.Error("collectedAt missing")
	}
}
