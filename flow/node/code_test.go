package node

import (
	"context"
	"testing"
)

func TestCodeNode_Validate(t *testing.T) {
	n := &CodeNode{}
	if v := n.Validate(map[string]any{"code": "input.a + input.b"}); !v.Valid {
		t.Errorf("valid code rejected: %v", v.Errors)
	}
	if v := n.Validate(map[string]any{}); v.Valid {
		t.Error("missing code accepted")
	}
	if v := n.Validate(map[string]any{"code": "input.a +"}); v.Valid {
		t.Error("malformed code accepted")
	}
	if v := n.Validate(map[string]any{"code": "1", "timeoutMs": 60000}); v.Valid {
		t.Error("timeout above cap accepted")
	}
}

func TestCodeNode_Execute(t *testing.T) {
	n := &CodeNode{}

	t.Run("map result", func(t *testing.T) {
		data := map[string]any{"a": float64(2), "b": float64(3)}
		config := map[string]any{"code": `{"sum": input.a + input.b, "ok": true}`}
		out, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.Data["sum"] != float64(5) || out.Data["ok"] != true {
			t.Errorf("output = %v", out.Data)
		}
	})

	t.Run("scalar result wraps", func(t *testing.T) {
		config := map[string]any{"code": `len(input.items)`}
		data := map[string]any{"items": []any{"a", "b"}}
		out, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.Data["result"] != 2 {
			t.Errorf("result = %v", out.Data["result"])
		}
	})

	t.Run("memory getter reads execution memory", func(t *testing.T) {
		rc := testRC(t)
		rc.State.SetMemory("threshold", float64(10))
		config := map[string]any{"code": `input.score > memory("threshold")`}
		out, err := n.Execute(context.Background(), nodeInput(map[string]any{"score": float64(20)}, config), rc)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.Data["result"] != true {
			t.Errorf("result = %v", out.Data["result"])
		}
	})

	t.Run("runtime error surfaces", func(t *testing.T) {
		config := map[string]any{"code": `input.nums[5]`}
		data := map[string]any{"nums": []any{1}}
		if _, err := n.Execute(context.Background(), nodeInput(data, config), testRC(t)); err == nil {
			t.Fatal("expected out-of-range error")
		}
	})
}
