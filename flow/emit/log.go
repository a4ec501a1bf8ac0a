package emit

import (
	"github.com/rs/zerolog"
)

// LogEmitter writes events as structured zerolog records.
//
// Example output (JSON mode, the zerolog default):
//
//	{"level":"info","executionId":"exec-1","nodeId":"n2","nodeType":"llm",
//	 "duration_ms":412,"message":"node_complete"}
//
// Events carrying an "error" meta key are logged at warn level so failed
// attempts stand out in aggregated logs without failing the execution.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a LogEmitter writing through the given logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit writes one log record for the event.
func (l *LogEmitter) Emit(event Event) {
	ev := l.logger.Info()
	if _, failed := event.Meta["error"]; failed {
		ev = l.logger.Warn()
	}

	ev = ev.Str("executionId", event.ExecutionID)
	if event.WorkflowID != "" {
		ev = ev.Str("workflowId", event.WorkflowID)
	}
	if event.NodeID != "" {
		ev = ev.Str("nodeId", event.NodeID)
	}
	if event.NodeType != "" {
		ev = ev.Str("nodeType", event.NodeType)
	}
	for k, v := range event.Meta {
		ev = ev.Interface(k, v)
	}
	ev.Msg(event.Msg)
}
