package node

import (
	"context"

	"github.com/dshills/flowrun/flow"
)

// ExecutionControlNode mutates the execution's control state: it can set
// the terminate flag, adjust loop/retry bounds and bump the loop counter.
type ExecutionControlNode struct{}

// Type returns "execution-control".
func (n *ExecutionControlNode) Type() string { return TypeExecutionControl }

// Validate requires at least one control action.
func (n *ExecutionControlNode) Validate(config map[string]any) flow.ValidationResult {
	_, hasTerminate := config["terminate"]
	_, hasMaxLoops := config["maxLoops"]
	_, hasMaxRetries := config["maxRetries"]
	if !hasTerminate && !hasMaxLoops && !hasMaxRetries && !configBool(config, "incrementLoop") {
		return flow.Invalid("execution-control requires terminate, maxLoops, maxRetries or incrementLoop")
	}
	return flow.ValidOK()
}

// Execute applies the control patch.
func (n *ExecutionControlNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig
	patch := flow.ControlPatch{}
	applied := make(map[string]any)

	if v, ok := config["terminate"].(bool); ok {
		patch.Terminate = &v
		applied["terminate"] = v
	}
	if _, ok := config["maxLoops"]; ok {
		v := configInt(config, "maxLoops", 0)
		patch.MaxLoops = &v
		applied["maxLoops"] = v
	}
	if _, ok := config["maxRetries"]; ok {
		v := configInt(config, "maxRetries", 0)
		patch.MaxRetries = &v
		applied["maxRetries"] = v
	}
	rc.State.ApplyPatch(flow.Patch{Control: &patch})

	if configBool(config, "incrementLoop") {
		// Loop counts merge by max at wave barriers, so read-modify-write
		// through the node's own view is safe.
		count := 0
		if v, ok := rc.State.GetMemory("control.loopCount"); ok {
			if f, ok := toFloat(v); ok {
				count = int(f)
			}
		}
		count++
		next := count
		rc.State.ApplyPatch(flow.Patch{Control: &flow.ControlPatch{LoopCount: &next}})
		rc.State.SetMemory("control.loopCount", next)
		applied["loopCount"] = next
	}

	out := passthrough(input.Data)
	out["_control"] = applied
	return flow.NodeOutput{Data: out}, nil
}
