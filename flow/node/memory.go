package node

import (
	"context"

	"github.com/dshills/flowrun/flow"
)

// MemoryWriteNode writes a value into execution memory. The value comes
// from a literal, an input path or an interpolated template.
type MemoryWriteNode struct{}

// Type returns "memory-write".
func (n *MemoryWriteNode) Type() string { return TypeMemoryWrite }

// Validate requires a key, a known operation and a value source.
func (n *MemoryWriteNode) Validate(config map[string]any) flow.ValidationResult {
	if configString(config, "memoryKey") == "" {
		return flow.Invalid("memory-write requires memoryKey")
	}
	op := configString(config, "operation")
	switch op {
	case "", "set", "append", "increment":
	default:
		return flow.Invalid("operation must be set, append or increment")
	}
	if op != "increment" {
		_, hasValue := config["value"]
		if !hasValue && configString(config, "valuePath") == "" && configString(config, "valueTemplate") == "" {
			return flow.Invalid("memory-write requires value, valuePath or valueTemplate")
		}
	}
	return flow.ValidOK()
}

// Execute resolves the value and applies the operation.
func (n *MemoryWriteNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig
	key := configString(config, "memoryKey")
	op := configString(config, "operation")
	if op == "" {
		op = "set"
	}

	var value any
	switch {
	case configString(config, "valuePath") != "":
		v, found := flow.LookupPath(input.Data, configString(config, "valuePath"))
		if !found {
			return flow.NodeOutput{}, execErr(rc, "valuePath %q not found in input", configString(config, "valuePath"))
		}
		value = v
	case configString(config, "valueTemplate") != "":
		value = flow.Interpolate(configString(config, "valueTemplate"), input.Data)
	default:
		value = config["value"]
	}

	switch op {
	case "set":
		rc.State.SetMemory(key, value)
	case "append":
		existing, _ := rc.State.GetMemory(key)
		list, _ := existing.([]any)
		rc.State.SetMemory(key, append(list, value))
		value = append(list, value)
	case "increment":
		by := configFloat(config, "incrementBy", 1)
		current := 0.0
		if existing, ok := rc.State.GetMemory(key); ok {
			if f, ok := toFloat(existing); ok {
				current = f
			}
		}
		value = current + by
		rc.State.SetMemory(key, value)
	}

	out := passthrough(input.Data)
	write := map[string]any{"key": key, "operation": op}
	if configBool(config, "includeInOutput") {
		write["value"] = value
	}
	out["_memoryWrite"] = write
	return flow.NodeOutput{Data: out}, nil
}

// MemoryReadNode reads a value from execution memory into the output.
type MemoryReadNode struct{}

// Type returns "memory-read".
func (n *MemoryReadNode) Type() string { return TypeMemoryRead }

// Validate requires a key.
func (n *MemoryReadNode) Validate(config map[string]any) flow.ValidationResult {
	if configString(config, "memoryKey") == "" {
		return flow.Invalid("memory-read requires memoryKey")
	}
	return flow.ValidOK()
}

// Execute reads the key. A missing required key fails the node; otherwise
// the default value applies.
func (n *MemoryReadNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig
	key := configString(config, "memoryKey")
	outputKey := configString(config, "outputKey")
	if outputKey == "" {
		outputKey = key
	}

	value, found := rc.State.GetMemory(key)
	if !found {
		if configBool(config, "required") {
			return flow.NodeOutput{}, execErr(rc, "required memory key %q not set", key)
		}
		value = config["defaultValue"]
	}

	out := passthrough(input.Data)
	out[outputKey] = value
	out["_memoryRead"] = map[string]any{"key": key, "found": found}
	return flow.NodeOutput{Data: out}, nil
}
