package flow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/flowrun/flow/emit"
	"github.com/dshills/flowrun/store"
)

// Skip causes. A skip caused by an upstream failure propagates failure to
// the execution status; route and terminate skips do not.
const (
	skipRoute     = "route"
	skipFailure   = "failure"
	skipTerminate = "terminate"
)

// Engine executes workflow graphs: it validates the DAG, schedules nodes in
// Kahn waves, runs each node through the retry-aware runner and persists
// steps, attempts, retrieval events and context snapshots.
type Engine struct {
	store    store.Store
	registry *Registry
	emitter  emit.Emitter
	logger   zerolog.Logger
	caps     Capabilities
	bounds   Defaults
	metrics  *Metrics

	now   func() time.Time
	newID func() string

	waveConcurrency int
}

// NewEngine creates an engine over the given persistence gateway and node
// registry.
func NewEngine(st store.Store, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:           st,
		registry:        registry,
		emitter:         emit.NewNullEmitter(),
		logger:          zerolog.Nop(),
		bounds:          DefaultBounds(),
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
		waveConcurrency: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunRequest identifies one execution of a hydrated workflow snapshot.
type RunRequest struct {
	ExecutionID    string
	UserID         string
	Workflow       *Workflow
	TriggerPayload map[string]any
}

// StepResult is the in-memory record of one node's terminal outcome.
type StepResult struct {
	NodeID     string         `json:"nodeId"`
	NodeType   string         `json:"nodeType"`
	Status     string         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMS int64          `json:"durationMs"`
	Error      string         `json:"error,omitempty"`
}

// ExecutionResult is the scheduler outcome for one execution.
type ExecutionResult struct {
	Status          string         `json:"status"`
	Steps           []StepResult   `json:"steps"`
	TotalDurationMS int64          `json:"totalDurationMs"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	Context         State          `json:"context"`
}

// runState is the per-execution scheduler bookkeeping.
type runState struct {
	req  RunRequest
	wf   *Workflow
	ectx *Context

	status    map[string]string          // node id -> step status
	skipCause map[string]string          // node id -> skip cause
	outputs   map[string]map[string]any  // node id -> completed output
	tokens    map[string]map[string]bool // node id -> emitted route tokens
	order     map[string]int             // node id -> deterministic position

	snapshotSeq int
	steps       []StepResult
}

// Run executes the workflow. The returned error is nil for any execution
// that reached a terminal status (including failed); a non-nil error is
// either a permanent ValidationError, ErrExecutionCanceled, or an
// operational persistence failure the caller should retry.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*ExecutionResult, error) {
	wf := req.Workflow
	if wf == nil {
		return nil, &ValidationError{Message: "no workflow"}
	}
	if err := wf.Validate(e.registry); err != nil {
		return nil, err
	}
	waves, err := wf.Waves()
	if err != nil {
		return nil, err
	}

	started := e.now()
	rs := &runState{
		req:       req,
		wf:        wf,
		ectx:      NewContext(e.bounds, e.now),
		status:    make(map[string]string, len(wf.Nodes)),
		skipCause: make(map[string]string),
		outputs:   make(map[string]map[string]any),
		tokens:    make(map[string]map[string]bool),
		order:     make(map[string]int, len(wf.Nodes)),
	}

	pos := 0
	wavesValue := make([]any, len(waves))
	for i, wave := range waves {
		ids := make([]any, len(wave))
		for j, id := range wave {
			ids[j] = id
			rs.order[id] = pos
			rs.status[id] = store.StepPending
			pos++
		}
		wavesValue[i] = ids
	}
	rs.ectx.SetKnowledge("scheduler.waves", wavesValue)

	e.emitter.Emit(emit.Event{
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Msg:         "execution_start",
		Meta:        map[string]any{"waves": len(waves), "nodes": len(wf.Nodes)},
	})

	if err := e.snapshot(ctx, rs, SnapshotInit, "", ""); err != nil {
		return nil, err
	}

	canceled := false
waveLoop:
	for _, wave := range waves {
		if ctx.Err() != nil {
			canceled = true
			break
		}
		if rs.ectx.Terminated() {
			break
		}

		runnable := make([]string, 0, len(wave))
		for _, id := range wave {
			ok, cause := e.reachable(rs, id)
			if !ok {
				if err := e.finalizeSkip(ctx, rs, id, cause); err != nil {
					return nil, err
				}
				continue
			}
			runnable = append(runnable, id)
		}

		if e.waveConcurrency > 1 && len(runnable) > 1 {
			if err := e.runWaveParallel(ctx, rs, runnable); err != nil {
				return nil, err
			}
			continue
		}

		for _, id := range runnable {
			if ctx.Err() != nil {
				canceled = true
				break waveLoop
			}
			if rs.ectx.Terminated() {
				break waveLoop
			}
			outcome := e.runNode(ctx, rs, rs.ectx, id)
			if err := e.finalizeNode(ctx, rs, outcome); err != nil {
				return nil, err
			}
		}
	}

	result := &ExecutionResult{Steps: rs.steps}

	if canceled {
		if err := e.snapshot(ctx, rs, SnapshotCanceled, "", ""); err != nil {
			return nil, err
		}
		result.Status = store.ExecutionCanceled
		result.Context = rs.ectx.StateCopy()
		result.TotalDurationMS = e.now().Sub(started).Milliseconds()
		e.emitter.Emit(emit.Event{
			ExecutionID: req.ExecutionID,
			WorkflowID:  wf.ID,
			Msg:         "execution_canceled",
			Meta:        map[string]any{"duration_ms": result.TotalDurationMS},
		})
		e.metrics.observeExecution(store.ExecutionCanceled, float64(result.TotalDurationMS)/1000)
		return result, ErrExecutionCanceled
	}

	if rs.ectx.Terminated() {
		reason := "control.terminate set"
		if last := rs.ectx.StateCopy().Runtime.LastCompletedNodeID; last != "" {
			reason = "control.terminate set by node " + last
		}
		rs.ectx.SetMemory("execution.outcome", map[string]any{
			"status": "terminated_by_control",
			"reason": reason,
		})
		for _, wave := range waves {
			for _, id := range wave {
				if rs.status[id] == store.StepPending {
					if err := e.finalizeSkip(ctx, rs, id, skipTerminate); err != nil {
						return nil, err
					}
				}
			}
		}
		result.Steps = rs.steps
	}

	status, errMsg := e.terminalStatus(rs)
	result.Status = status
	result.ErrorMessage = errMsg
	result.Steps = rs.steps

	terminalReason := SnapshotFinal
	eventMsg := "execution_complete"
	if status == store.ExecutionFailed {
		terminalReason = SnapshotError
		eventMsg = "execution_error"
	}
	if err := e.snapshot(ctx, rs, terminalReason, "", ""); err != nil {
		return nil, err
	}

	result.Context = rs.ectx.StateCopy()
	result.TotalDurationMS = e.now().Sub(started).Milliseconds()

	meta := map[string]any{"duration_ms": result.TotalDurationMS, "status": status}
	if errMsg != "" {
		meta["error"] = errMsg
	}
	e.emitter.Emit(emit.Event{
		ExecutionID: req.ExecutionID,
		WorkflowID:  wf.ID,
		Msg:         eventMsg,
		Meta:        meta,
	})
	e.metrics.observeExecution(status, float64(result.TotalDurationMS)/1000)
	return result, nil
}

// runWaveParallel executes a wave through isolated context views, bounded
// by the configured concurrency, then merges and finalizes in ascending
// node id order so observable effects match sequential execution.
func (e *Engine) runWaveParallel(ctx context.Context, rs *runState, ids []string) error {
	views := make([]*View, len(ids))
	outcomes := make([]*stepOutcome, len(ids))
	for i := range ids {
		views[i] = rs.ectx.Fork()
	}

	sem := make(chan struct{}, e.waveConcurrency)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = e.runNode(ctx, rs, views[i], id)
		}(i, id)
	}
	wg.Wait()

	rs.ectx.MergeViews(views)
	for _, outcome := range outcomes {
		if err := e.finalizeNode(ctx, rs, outcome); err != nil {
			return err
		}
	}
	return nil
}

// reachable reports whether a node may run: it has no incoming edges, or at
// least one incoming edge from a completed source whose condition matches an
// emitted route token. The returned cause classifies a skip.
func (e *Engine) reachable(rs *runState, id string) (bool, string) {
	incoming := rs.wf.incomingEdges(id)
	if len(incoming) == 0 {
		return true, ""
	}
	for _, edge := range incoming {
		if rs.edgeActive(edge) {
			return true, ""
		}
	}
	cause := skipRoute
	for _, edge := range incoming {
		src := edge.Source
		if rs.status[src] == store.StepFailed ||
			(rs.status[src] == store.StepSkipped && rs.skipCause[src] == skipFailure) {
			cause = skipFailure
			break
		}
	}
	return false, cause
}

// edgeActive reports whether an edge carries activation from its source.
func (rs *runState) edgeActive(edge WorkflowEdge) bool {
	if rs.status[edge.Source] != store.StepCompleted {
		return false
	}
	if edge.Condition == "" {
		return true
	}
	return rs.tokens[edge.Source][edge.Condition]
}

// finalizeSkip records a skipped node: a step row with zero duration, no
// attempt rows and no snapshot.
func (e *Engine) finalizeSkip(ctx context.Context, rs *runState, id, cause string) error {
	node, _ := rs.wf.Node(id)
	rs.status[id] = store.StepSkipped
	rs.skipCause[id] = cause

	step := &store.ExecutionStep{
		ID:          e.newID(),
		ExecutionID: rs.req.ExecutionID,
		NodeID:      id,
		NodeType:    node.Type,
		Status:      store.StepSkipped,
		CreatedAt:   e.now(),
	}
	if err := e.store.SaveStep(ctx, step); err != nil {
		return err
	}

	rs.steps = append(rs.steps, StepResult{NodeID: id, NodeType: node.Type, Status: store.StepSkipped})
	e.emitter.Emit(emit.Event{
		ExecutionID: rs.req.ExecutionID,
		WorkflowID:  rs.wf.ID,
		NodeID:      id,
		NodeType:    node.Type,
		Msg:         "node_skipped",
		Meta:        map[string]any{"cause": cause},
	})
	e.metrics.observeNode(node.Type, store.StepSkipped, 0)
	return nil
}

// terminalStatus derives the execution status from node outcomes: failed
// iff a leaf node failed (or was skipped because of a failure), or an
// output node did not complete while some node failed.
func (e *Engine) terminalStatus(rs *runState) (string, string) {
	hasOutgoing := make(map[string]bool)
	for _, edge := range rs.wf.Edges {
		hasOutgoing[edge.Source] = true
	}

	failedAny := false
	for _, st := range rs.status {
		if st == store.StepFailed {
			failedAny = true
			break
		}
	}

	failed := false
	for _, n := range rs.wf.Nodes {
		st := rs.status[n.ID]
		if !hasOutgoing[n.ID] {
			if st == store.StepFailed {
				failed = true
			}
			if st == store.StepSkipped && rs.skipCause[n.ID] == skipFailure {
				failed = true
			}
		}
		if n.Type == "output" && st != store.StepCompleted && failedAny {
			failed = true
		}
	}

	if !failed {
		return store.ExecutionCompleted, ""
	}
	for _, step := range rs.steps {
		if step.Status == store.StepFailed && step.Error != "" {
			return store.ExecutionFailed, step.Error
		}
	}
	return store.ExecutionFailed, "execution failed"
}

// snapshot persists the current context state with the next dense sequence
// number.
func (e *Engine) snapshot(ctx context.Context, rs *runState, reason, nodeID, nodeType string) error {
	state := rs.ectx.StateCopy()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	snap := &store.ContextSnapshot{
		ExecutionID: rs.req.ExecutionID,
		Sequence:    rs.snapshotSeq,
		Reason:      reason,
		NodeID:      nodeID,
		NodeType:    nodeType,
		State:       data,
		CreatedAt:   e.now(),
	}
	if err := e.store.SaveContextSnapshot(ctx, snap); err != nil {
		return err
	}
	rs.snapshotSeq++

	e.emitter.Emit(emit.Event{
		ExecutionID: rs.req.ExecutionID,
		WorkflowID:  rs.wf.ID,
		NodeID:      nodeID,
		NodeType:    nodeType,
		Msg:         "snapshot",
		Meta:        map[string]any{"sequence": snap.Sequence, "reason": reason},
	})
	return nil
}
