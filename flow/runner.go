package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/flowrun/flow/emit"
	"github.com/dshills/flowrun/store"
)

// attemptRecord is one runner attempt, persisted as a StepAttempt row.
type attemptRecord struct {
	attempt    int
	status     string
	reason     string
	durationMS int64
}

// stepOutcome is the runner's in-memory result for one node, persisted by
// finalizeNode at the wave barrier (or immediately, when sequential).
type stepOutcome struct {
	nodeID   string
	nodeType string
	status   string // completed | failed
	input    NodeInput
	output   map[string]any
	errText  string
	attempts []attemptRecord
	events   []RetrievalBranchEvent
	tokens   map[string]bool
	started  time.Time
	duration time.Duration
}

// runNode executes one node: input assembly, the in-process retry loop and
// route-token derivation. It performs no persistence and reads only
// prior-wave scheduler state, so nodes of one wave can run concurrently.
func (e *Engine) runNode(ctx context.Context, rs *runState, acc ContextAccessor, id string) *stepOutcome {
	node, _ := rs.wf.Node(id)
	def, _ := e.registry.Get(node.Type)

	outcome := &stepOutcome{nodeID: id, nodeType: node.Type, started: e.now()}
	outcome.input = e.assembleInput(rs, node)

	if c, ok := acc.(*Context); ok {
		c.MarkActive(id)
	}

	logger := e.logger.With().
		Str("executionId", rs.req.ExecutionID).
		Str("nodeId", id).
		Str("nodeType", node.Type).
		Logger()

	rc := &RunContext{
		ExecutionID:    rs.req.ExecutionID,
		WorkflowID:     rs.wf.ID,
		UserID:         rs.req.UserID,
		NodeID:         id,
		NodeType:       node.Type,
		Logger:         logger,
		State:          acc,
		Caps:           e.caps,
		TriggerPayload: rs.req.TriggerPayload,
		onRetrievalEvent: func(ev RetrievalBranchEvent) {
			outcome.events = append(outcome.events, ev)
			e.metrics.observeRetrieval(ev.Strategy, ev.Status)
		},
		now: e.now,
	}
	switch a := acc.(type) {
	case *Context:
		rc.retrievalBounds = a.RetrievalExceeded
	case *View:
		rc.retrievalBounds = a.Context().RetrievalExceeded
	}

	maxAttempts := 1
	if enabled, _ := node.Config["retryEnabled"].(bool); enabled {
		maxAttempts = configInt(node.Config, "retryMaxAttempts", 1)
		if maxAttempts < 1 {
			maxAttempts = 1
		}
	}

	e.emitter.Emit(emit.Event{
		ExecutionID: rs.req.ExecutionID,
		WorkflowID:  rs.wf.ID,
		NodeID:      id,
		NodeType:    node.Type,
		Msg:         "node_start",
		Meta:        map[string]any{"max_attempts": maxAttempts},
	})

	var lastOutput NodeOutput
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		attemptStart := e.now()
		out, err := def.Execute(ctx, outcome.input, rc)
		elapsed := e.now().Sub(attemptStart)
		lastOutput, lastErr = out, err

		rec := attemptRecord{attempt: attempt, durationMS: elapsed.Milliseconds()}
		switch {
		case err != nil:
			rec.status = store.AttemptFailed
			rec.reason = SanitizeError(err)
		default:
			if d, ok := retryDirective(out); ok && d.Requested {
				if attempt < maxAttempts {
					rec.status = store.AttemptRetry
				} else {
					rec.status = store.AttemptFailed
				}
				rec.reason = d.Reason
			} else {
				rec.status = store.AttemptCompleted
			}
		}
		outcome.attempts = append(outcome.attempts, rec)

		if rec.status == store.AttemptCompleted {
			break
		}
		if attempt < maxAttempts {
			e.metrics.observeRetry(node.Type)
			e.emitter.Emit(emit.Event{
				ExecutionID: rs.req.ExecutionID,
				WorkflowID:  rs.wf.ID,
				NodeID:      id,
				NodeType:    node.Type,
				Msg:         "node_retry",
				Meta:        map[string]any{"attempt": attempt, "reason": rec.reason},
			})
		}
	}

	outcome.duration = e.now().Sub(outcome.started)
	last := outcome.attempts[len(outcome.attempts)-1]

	switch {
	case last.status == store.AttemptCompleted:
		outcome.status = store.StepCompleted
		outcome.output = augmentOutput(lastOutput.Data, attempts)
		outcome.tokens = routeTokens(outcome.output)
	case lastErr != nil:
		outcome.status = store.StepFailed
		outcome.errText = SanitizeError(lastErr)
	default:
		// Still requesting a retry at maxAttempts.
		outcome.status = store.StepFailed
		outcome.errText = fmt.Sprintf("retry attempts exhausted after %d attempts", attempts)
		if last.reason != "" {
			outcome.errText += ": " + SanitizeMessage(last.reason)
		}
	}

	acc.SetMemory("retry.outcome."+id, map[string]any{"status": retryOutcomeStatus(outcome.status, attempts)})
	return outcome
}

// retryOutcomeStatus classifies the retry bookkeeping written to
// memory["retry.outcome.<nodeId>"]. A failed node is always recorded as
// exhausted, so "no_retries_needed" unambiguously means a clean success.
func retryOutcomeStatus(status string, attempts int) string {
	if status == store.StepCompleted {
		if attempts > 1 {
			return "retry_succeeded_after_n"
		}
		return "no_retries_needed"
	}
	return "retry_exhausted"
}

// finalizeNode persists the node's attempt rows, retrieval events, step row
// and step snapshot, and publishes outputs and route tokens to the
// scheduler state. Called in deterministic wave order.
func (e *Engine) finalizeNode(ctx context.Context, rs *runState, outcome *stepOutcome) error {
	for _, rec := range outcome.attempts {
		attempt := &store.StepAttempt{
			ExecutionID: rs.req.ExecutionID,
			NodeID:      outcome.nodeID,
			NodeType:    outcome.nodeType,
			Attempt:     rec.attempt,
			Status:      rec.status,
			DurationMS:  rec.durationMS,
			Reason:      rec.reason,
			CreatedAt:   e.now(),
		}
		if err := e.store.SaveStepAttempt(ctx, attempt); err != nil {
			return err
		}
	}

	for i := range outcome.events {
		ev := outcome.events[i]
		row := &store.RetrievalEvent{
			ExecutionID:      rs.req.ExecutionID,
			NodeID:           outcome.nodeID,
			NodeType:         outcome.nodeType,
			Query:            ev.Query,
			TopK:             ev.TopK,
			Attempt:          ev.Attempt,
			MaxAttempts:      ev.MaxAttempts,
			Status:           ev.Status,
			MatchesCount:     ev.MatchesCount,
			DurationMS:       ev.DurationMS,
			ErrorMessage:     ev.ErrorMessage,
			ScopeType:        ev.ScopeType,
			CorpusID:         ev.CorpusID,
			WorkflowIDScope:  rs.wf.ID,
			ExecutionIDScope: rs.req.ExecutionID,
			Strategy:         ev.Strategy,
			RetrieverKey:     ev.RetrieverKey,
			BranchIndex:      ev.BranchIndex,
			Selected:         ev.Selected,
			CreatedAt:        e.now(),
		}
		if err := e.store.SaveRetrievalEvent(ctx, row); err != nil {
			return err
		}
		e.emitter.Emit(emit.Event{
			ExecutionID: rs.req.ExecutionID,
			WorkflowID:  rs.wf.ID,
			NodeID:      outcome.nodeID,
			NodeType:    outcome.nodeType,
			Msg:         "retrieval_branch",
			Meta: map[string]any{
				"retriever_key": ev.RetrieverKey,
				"strategy":      ev.Strategy,
				"status":        ev.Status,
				"matches":       ev.MatchesCount,
				"selected":      ev.Selected,
			},
		})
	}

	inputJSON, err := json.Marshal(outcome.input)
	if err != nil {
		return err
	}
	var outputJSON json.RawMessage
	if outcome.output != nil {
		outputJSON, err = json.Marshal(outcome.output)
		if err != nil {
			return err
		}
	}
	step := &store.ExecutionStep{
		ID:          e.newID(),
		ExecutionID: rs.req.ExecutionID,
		NodeID:      outcome.nodeID,
		NodeType:    outcome.nodeType,
		Status:      outcome.status,
		Input:       inputJSON,
		Output:      outputJSON,
		DurationMS:  outcome.duration.Milliseconds(),
		Error:       outcome.errText,
		CreatedAt:   e.now(),
	}
	if err := e.store.SaveStep(ctx, step); err != nil {
		return err
	}

	rs.status[outcome.nodeID] = outcome.status
	if outcome.status == store.StepCompleted {
		rs.outputs[outcome.nodeID] = outcome.output
		rs.tokens[outcome.nodeID] = outcome.tokens
	}
	rs.ectx.MarkCompleted(outcome.nodeID)

	rs.steps = append(rs.steps, StepResult{
		NodeID:     outcome.nodeID,
		NodeType:   outcome.nodeType,
		Status:     outcome.status,
		Output:     outcome.output,
		DurationMS: outcome.duration.Milliseconds(),
		Error:      outcome.errText,
	})

	if err := e.snapshot(ctx, rs, SnapshotStep, outcome.nodeID, outcome.nodeType); err != nil {
		return err
	}

	msg := "node_complete"
	meta := map[string]any{
		"duration_ms": outcome.duration.Milliseconds(),
		"attempts":    len(outcome.attempts),
	}
	if outcome.status == store.StepFailed {
		msg = "node_failed"
		meta["error"] = outcome.errText
	}
	e.emitter.Emit(emit.Event{
		ExecutionID: rs.req.ExecutionID,
		WorkflowID:  rs.wf.ID,
		NodeID:      outcome.nodeID,
		NodeType:    outcome.nodeType,
		Msg:         msg,
		Meta:        meta,
	})
	e.metrics.observeNode(outcome.nodeType, outcome.status, outcome.duration.Seconds())
	return nil
}

// assembleInput builds the node's input: the shallow merge of active-parent
// outputs in deterministic order (later parents overwrite identical keys),
// or the trigger payload when the node has no active parent.
func (e *Engine) assembleInput(rs *runState, node WorkflowNode) NodeInput {
	parents := make([]string, 0)
	for _, edge := range rs.wf.incomingEdges(node.ID) {
		if rs.edgeActive(edge) {
			parents = append(parents, edge.Source)
		}
	}
	sort.Slice(parents, func(i, j int) bool { return rs.order[parents[i]] < rs.order[parents[j]] })

	data := make(map[string]any)
	if len(parents) == 0 {
		for k, v := range rs.req.TriggerPayload {
			data[k] = v
		}
	} else {
		seen := make(map[string]bool, len(parents))
		for _, p := range parents {
			if seen[p] {
				continue
			}
			seen[p] = true
			for k, v := range rs.outputs[p] {
				data[k] = v
			}
		}
	}
	return NodeInput{Data: data, Metadata: InputMetadata{NodeConfig: node.Config}}
}

// augmentOutput copies the output data and stamps the attempt count.
func augmentOutput(data map[string]any, attempts int) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["_attemptCount"] = attempts
	return out
}

// routeTokens derives the route tokens a completed node emits:
//   - "_condition.result" bool -> "true" / "false"
//   - "_evaluation.passed" bool -> "pass" / "fail"
//   - "_route" or "_branch.route" string -> that token
//   - otherwise the single unconditional token "*"
func routeTokens(output map[string]any) map[string]bool {
	tokens := make(map[string]bool)
	if v, ok := getPath(output, "_condition.result"); ok {
		if b, ok := v.(bool); ok {
			if b {
				tokens["true"] = true
			} else {
				tokens["false"] = true
			}
		}
	}
	if v, ok := getPath(output, "_evaluation.passed"); ok {
		if b, ok := v.(bool); ok {
			if b {
				tokens["pass"] = true
			} else {
				tokens["fail"] = true
			}
		}
	}
	if v, ok := output["_route"].(string); ok && v != "" {
		tokens[v] = true
	}
	if v, ok := getPath(output, "_branch.route"); ok {
		if s, ok := v.(string); ok && s != "" {
			tokens[s] = true
		}
	}
	if len(tokens) == 0 {
		tokens["*"] = true
	}
	return tokens
}

// configInt reads an integer config value, tolerating JSON float decoding.
func configInt(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
