package node

import (
	"context"
	"time"

	"github.com/dshills/flowrun/flow"
)

// StorageNode persists the input data into execution memory under
// "storage.<key>" so later nodes (and snapshots) can see it.
type StorageNode struct{}

// Type returns "storage".
func (n *StorageNode) Type() string { return TypeStorage }

// Validate requires a storage key.
func (n *StorageNode) Validate(config map[string]any) flow.ValidationResult {
	if configString(config, "storageKey") == "" {
		return flow.Invalid("storage requires storageKey")
	}
	return flow.ValidOK()
}

// Execute writes the input under the storage key and passes it through.
func (n *StorageNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	key := configString(input.Metadata.NodeConfig, "storageKey")
	storedAt := time.Now().UTC().Format(time.RFC3339)

	// persistToExecutionContext defaults to true; the flag exists so a
	// storage node can be disabled without unwiring it.
	persist := true
	if v, ok := input.Metadata.NodeConfig["persistToExecutionContext"].(bool); ok {
		persist = v
	}
	if persist {
		rc.State.SetMemory("storage."+key, passthrough(input.Data))
	}

	out := passthrough(input.Data)
	out["_storage"] = map[string]any{"key": key, "persisted": persist, "storedAt": storedAt}
	return flow.NodeOutput{Data: out}, nil
}

// LogNode writes a structured log line and reports what it logged.
type LogNode struct{}

// Type returns "log".
func (n *LogNode) Type() string { return TypeLog }

// Validate checks the log level.
func (n *LogNode) Validate(config map[string]any) flow.ValidationResult {
	switch configString(config, "level") {
	case "", "debug", "info", "warn", "error":
		return flow.ValidOK()
	}
	return flow.Invalid("level must be debug, info, warn or error")
}

// Execute logs the interpolated message at the configured level.
func (n *LogNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig
	level := configString(config, "level")
	if level == "" {
		level = "info"
	}
	message := flow.Interpolate(configString(config, "message"), input.Data)

	ev := rc.Logger.Info()
	switch level {
	case "debug":
		ev = rc.Logger.Debug()
	case "warn":
		ev = rc.Logger.Warn()
	case "error":
		ev = rc.Logger.Error()
	}
	ev.Msg(message)

	return flow.NodeOutput{Data: map[string]any{
		"logged":    true,
		"level":     level,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}}, nil
}
