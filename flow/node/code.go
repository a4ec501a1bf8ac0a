package node

import (
	"context"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dshills/flowrun/flow"
)

// Code node timeout bounds.
const (
	DefaultCodeTimeout = 10 * time.Second
	MaxCodeTimeout     = 10 * time.Second
)

// CodeNode evaluates a tenant-supplied expression in a sandbox. The
// expression language is deliberately not general-purpose: no I/O, no
// imports, and a deny-by-default environment exposing only the node input
// and a read-only memory getter.
type CodeNode struct{}

// Type returns "code".
func (n *CodeNode) Type() string { return TypeCode }

// Validate compiles the expression up front so malformed code fails the
// execution before any node runs.
func (n *CodeNode) Validate(config map[string]any) flow.ValidationResult {
	code := configString(config, "code")
	if code == "" {
		return flow.Invalid("code requires a code expression")
	}
	if _, err := expr.Compile(code, expr.AllowUndefinedVariables()); err != nil {
		return flow.Invalid("invalid code: " + err.Error())
	}
	if ms := configInt(config, "timeoutMs", 0); ms > 0 && time.Duration(ms)*time.Millisecond > MaxCodeTimeout {
		return flow.Invalid("timeoutMs may not exceed 10000")
	}
	return flow.ValidOK()
}

// Execute runs the expression against the node input.
func (n *CodeNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig
	code := configString(config, "code")

	timeout := DefaultCodeTimeout
	if ms := configInt(config, "timeoutMs", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := map[string]any{
		"input": input.Data,
		"memory": func(key string) any {
			v, _ := rc.State.GetMemory(key)
			return v
		},
	}
	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "compile code")
	}

	result, err := runWithContext(runCtx, program, env)
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "run code")
	}

	if m, ok := result.(map[string]any); ok {
		return flow.NodeOutput{Data: m}, nil
	}
	return flow.NodeOutput{Data: map[string]any{"result": result}}, nil
}

// runWithContext runs a compiled program in a goroutine so a hung or
// pathological expression respects the cooperative timeout.
func runWithContext(ctx context.Context, program *vm.Program, env map[string]any) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := expr.Run(program, env)
		done <- outcome{value: value, err: err}
	}()
	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
