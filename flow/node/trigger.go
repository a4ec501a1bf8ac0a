package node

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dshills/flowrun/flow"
)

// MinScheduleIntervalMS is the smallest allowed schedule-trigger interval.
const MinScheduleIntervalMS = 60000

// TriggerNode implements webhook-trigger and manual-trigger: both pass the
// execution's trigger payload through unchanged.
type TriggerNode struct {
	NodeType string
}

// Type returns the configured trigger type.
func (n *TriggerNode) Type() string { return n.NodeType }

// Validate accepts any config; triggers carry none.
func (n *TriggerNode) Validate(config map[string]any) flow.ValidationResult {
	return flow.ValidOK()
}

// Execute passes the trigger payload through.
func (n *TriggerNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	data := input.Data
	if len(data) == 0 && rc.TriggerPayload != nil {
		data = rc.TriggerPayload
	}
	return flow.NodeOutput{
		Data: passthrough(data),
		Metadata: map[string]any{
			"trigger": map[string]any{
				"type":       n.NodeType,
				"receivedAt": time.Now().UTC().Format(time.RFC3339),
			},
		},
	}, nil
}

// ScheduleTriggerNode starts scheduled executions. The schedule itself is
// driven by the poller; at run time the node is a passthrough like the
// other triggers.
type ScheduleTriggerNode struct{}

// Type returns "schedule-trigger".
func (n *ScheduleTriggerNode) Type() string { return TypeScheduleTrigger }

// Validate requires either a parseable 5/6-field cron expression or an
// interval of at least one minute.
func (n *ScheduleTriggerNode) Validate(config map[string]any) flow.ValidationResult {
	cronExpr := configString(config, "cron")
	intervalMS := configInt(config, "intervalMs", 0)

	if cronExpr == "" && intervalMS == 0 {
		return flow.Invalid("schedule-trigger requires cron or intervalMs")
	}
	if intervalMS != 0 && intervalMS < MinScheduleIntervalMS {
		return flow.Invalid("intervalMs must be at least 60000")
	}
	if cronExpr != "" {
		fields := len(strings.Fields(cronExpr))
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if fields == 6 {
			parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		}
		if _, err := parser.Parse(cronExpr); err != nil {
			return flow.Invalid("invalid cron expression: " + err.Error())
		}
	}
	return flow.ValidOK()
}

// Execute passes the trigger payload through.
func (n *ScheduleTriggerNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	data := input.Data
	if len(data) == 0 && rc.TriggerPayload != nil {
		data = rc.TriggerPayload
	}
	return flow.NodeOutput{
		Data: passthrough(data),
		Metadata: map[string]any{
			"trigger": map[string]any{
				"type":       TypeScheduleTrigger,
				"receivedAt": time.Now().UTC().Format(time.RFC3339),
			},
		},
	}, nil
}
