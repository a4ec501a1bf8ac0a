package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/node"
	"github.com/dshills/flowrun/store"
)

// DefaultPollInterval is how often the poller scans active workflows.
const DefaultPollInterval = 30 * time.Second

// Trigger starts an execution of a workflow. Satisfied by
// service.Execution.
type Trigger interface {
	Trigger(ctx context.Context, userID, workflowID string, payload map[string]any) (string, error)
}

// Poller scans active workflows for schedule-trigger nodes and triggers
// executions when their interval has elapsed. Last-run bookkeeping is held
// in process; a poller restart may fire a schedule once early, never late
// by more than one interval.
type Poller struct {
	store    store.Store
	trigger  Trigger
	logger   zerolog.Logger
	interval time.Duration
	now      func() time.Time

	lastRun map[string]time.Time
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the scan interval.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// NewPoller builds a poller over a store and a trigger.
func NewPoller(st store.Store, trigger Trigger, opts ...PollerOption) *Poller {
	p := &Poller{
		store:    st,
		trigger:  trigger,
		logger:   zerolog.Nop(),
		interval: DefaultPollInterval,
		now:      func() time.Time { return time.Now().UTC() },
		lastRun:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ticks until ctx is done. The first scan happens immediately.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Scan(ctx)
		}
	}
}

// Scan runs one poll pass and reports how many executions it triggered.
func (p *Poller) Scan(ctx context.Context) int {
	workflows, err := p.store.ListActiveWorkflows(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("schedule scan failed")
		return 0
	}

	triggered := 0
	now := p.now()
	for _, wf := range workflows {
		cfg, ok := scheduleConfig(wf)
		if !ok {
			continue
		}
		if !p.due(wf.ID, cfg, now) {
			continue
		}
		payload := map[string]any{
			"_trigger":     "schedule",
			"_scheduledAt": now.Format(time.RFC3339),
		}
		executionID, err := p.trigger.Trigger(ctx, wf.UserID, wf.ID, payload)
		if err != nil {
			p.logger.Error().Err(err).Str("workflowId", wf.ID).Msg("schedule trigger failed")
			continue
		}
		p.lastRun[wf.ID] = now
		triggered++
		p.logger.Info().
			Str("workflowId", wf.ID).
			Str("executionId", executionID).
			Msg("schedule fired")
	}
	return triggered
}

// scheduleSpec is the schedule-trigger config relevant to the poller.
type scheduleSpec struct {
	intervalMS int64
	cron       string
}

// scheduleConfig extracts the first schedule-trigger node's config from the
// workflow definition.
func scheduleConfig(wf *store.Workflow) (scheduleSpec, bool) {
	parsed, err := flow.ParseWorkflow(wf.Definition)
	if err != nil {
		return scheduleSpec{}, false
	}
	for _, n := range parsed.Nodes {
		if n.Type != node.TypeScheduleTrigger {
			continue
		}
		spec := scheduleSpec{}
		switch v := n.Config["intervalMs"].(type) {
		case float64:
			spec.intervalMS = int64(v)
		case int:
			spec.intervalMS = int64(v)
		}
		spec.cron, _ = n.Config["cron"].(string)
		if spec.intervalMS > 0 || spec.cron != "" {
			return spec, true
		}
	}
	return scheduleSpec{}, false
}

// due decides whether the workflow's schedule has elapsed. intervalMs wins
// over cron; cron uses the exact next fire time when the expression parses
// and the coarse approximation otherwise.
func (p *Poller) due(workflowID string, cfg scheduleSpec, now time.Time) bool {
	last, ran := p.lastRun[workflowID]
	if !ran {
		return true
	}
	if cfg.intervalMS > 0 {
		return now.Sub(last) >= time.Duration(cfg.intervalMS)*time.Millisecond
	}
	if next, ok := nextCronRun(cfg.cron, last); ok {
		return !now.Before(next)
	}
	return now.Sub(last) >= ApproximateCronInterval(cfg.cron)
}
