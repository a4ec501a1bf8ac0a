package node

import (
	"context"
	"testing"
)

func TestJSONValidatorNode_Validate(t *testing.T) {
	n := &JSONValidatorNode{}
	config := map[string]any{
		"requiredFields": []any{"user.id"},
		"fieldTypes":     map[string]any{"user.age": "number"},
	}
	if v := n.Validate(config); !v.Valid {
		t.Errorf("valid config rejected: %v", v.Errors)
	}
	if v := n.Validate(map[string]any{"requiredFields": "user.id"}); v.Valid {
		t.Error("non-list requiredFields accepted")
	}
	if v := n.Validate(map[string]any{"fieldTypes": map[string]any{"a": "tuple"}}); v.Valid {
		t.Error("unknown field type accepted")
	}
}

func TestJSONValidatorNode_Execute(t *testing.T) {
	n := &JSONValidatorNode{}

	t.Run("valid data", func(t *testing.T) {
		data := map[string]any{"user": map[string]any{"id": "u1", "age": float64(30)}}
		config := map[string]any{
			"requiredFields": []any{"user.id"},
			"fieldTypes":     map[string]any{"user.age": "number"},
		}
		out, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		verdict := out.Data["_validation"].(map[string]any)
		if verdict["valid"] != true {
			t.Errorf("verdict = %v", verdict)
		}
	})

	t.Run("missing field and type mismatch reported", func(t *testing.T) {
		data := map[string]any{"age": "thirty"}
		config := map[string]any{
			"requiredFields": []any{"name"},
			"fieldTypes":     map[string]any{"age": "number"},
		}
		out, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		verdict := out.Data["_validation"].(map[string]any)
		if verdict["valid"] != false {
			t.Error("invalid data passed")
		}
		if errs := verdict["errors"].([]any); len(errs) != 2 {
			t.Errorf("errors = %v", errs)
		}
	})

	t.Run("strict mode fails the node", func(t *testing.T) {
		config := map[string]any{"requiredFields": []any{"name"}, "strict": true}
		if _, err := n.Execute(context.Background(), nodeInput(map[string]any{}, config), testRC(t)); err == nil {
			t.Fatal("strict validation failure should error")
		}
	})

	t.Run("absent typed field is not an error", func(t *testing.T) {
		config := map[string]any{"fieldTypes": map[string]any{"ghost": "string"}}
		out, err := n.Execute(context.Background(), nodeInput(map[string]any{}, config), testRC(t))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		verdict := out.Data["_validation"].(map[string]any)
		if verdict["valid"] != true {
			t.Errorf("verdict = %v", verdict)
		}
	})
}
