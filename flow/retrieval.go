package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Retrieval strategies.
const (
	StrategySingle        = "single"
	StrategyFirstNonEmpty = "first-non-empty"
	StrategyBestScore     = "best-score"
	StrategyMerge         = "merge"
	StrategyAdaptive      = "adaptive"
)

// RetrieverSpec is one retrieval branch within an orchestration.
type RetrieverSpec struct {
	Key         string `json:"key"`
	Query       string `json:"query"`
	TopK        int    `json:"topK,omitempty"`
	CorpusID    string `json:"corpusId,omitempty"`
	ScopeType   string `json:"scopeType,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
}

// RetrievalSpec is the parsed "retrieval" config block of a retrieval-capable
// node.
type RetrievalSpec struct {
	Strategy                    string          `json:"strategy"`
	Retrievers                  []RetrieverSpec `json:"retrievers"`
	TopK                        int             `json:"topK,omitempty"`
	Speculative                 bool            `json:"speculative,omitempty"`
	PreferredRetrieverMemoryKey string          `json:"preferredRetrieverMemoryKey,omitempty"`
}

// ParseRetrievalSpec decodes and validates a retrieval config block.
func ParseRetrievalSpec(raw any) (RetrievalSpec, error) {
	var spec RetrievalSpec
	data, err := json.Marshal(raw)
	if err != nil {
		return spec, fmt.Errorf("malformed retrieval block: %w", err)
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("malformed retrieval block: %w", err)
	}
	if spec.Strategy == "" {
		spec.Strategy = StrategySingle
	}
	switch spec.Strategy {
	case StrategySingle, StrategyFirstNonEmpty, StrategyBestScore, StrategyMerge, StrategyAdaptive:
	default:
		return spec, fmt.Errorf("unknown retrieval strategy %q", spec.Strategy)
	}
	if len(spec.Retrievers) == 0 {
		return spec, fmt.Errorf("retrieval block has no retrievers")
	}
	for i, r := range spec.Retrievers {
		if r.Key == "" {
			return spec, fmt.Errorf("retriever %d has no key", i)
		}
		if r.Query == "" {
			return spec, fmt.Errorf("retriever %q has no query", r.Key)
		}
	}
	return spec, nil
}

// RetrievalBranchEvent describes one branch attempt. The runner persists
// these as retrieval event rows.
type RetrievalBranchEvent struct {
	Query        string
	TopK         int
	Attempt      int
	MaxAttempts  int
	Status       string // success | empty | failed
	MatchesCount int
	DurationMS   int64
	ErrorMessage string
	ScopeType    string
	CorpusID     string
	Strategy     string
	RetrieverKey string
	BranchIndex  int
	Selected     bool
}

// Orchestration summarizes how a retrieval result was produced.
type Orchestration struct {
	Strategy             string   `json:"strategy"`
	Speculative          bool     `json:"speculative"`
	RetrieversTried      []string `json:"retrieversTried"`
	SelectedRetrieverKey string   `json:"selectedRetrieverKey,omitempty"`
	BranchCount          int      `json:"branchCount"`
}

// RetrievalResult is the orchestrator outcome, placed on node output under
// the "_knowledge" key.
type RetrievalResult struct {
	Matches       []Match       `json:"matches"`
	Orchestration Orchestration `json:"orchestration"`
}

// Payload renders the result as the _knowledge output value.
func (r *RetrievalResult) Payload() map[string]any {
	matches := make([]any, len(r.Matches))
	for i, m := range r.Matches {
		matches[i] = map[string]any{
			"chunkId":    m.ChunkID,
			"documentId": m.DocumentID,
			"corpusId":   m.CorpusID,
			"chunkIndex": m.ChunkIndex,
			"content":    m.Content,
			"score":      m.Score,
		}
	}
	return map[string]any{
		"matches": matches,
		"orchestration": map[string]any{
			"strategy":             r.Orchestration.Strategy,
			"speculative":          r.Orchestration.Speculative,
			"retrieversTried":      r.Orchestration.RetrieversTried,
			"selectedRetrieverKey": r.Orchestration.SelectedRetrieverKey,
			"branchCount":          r.Orchestration.BranchCount,
		},
	}
}

// branchOutcome is the recorded result of one branch (final attempt).
type branchOutcome struct {
	index   int
	key     string
	matches []Match
	err     error
	events  []*RetrievalBranchEvent
}

// Orchestrate runs a multi-branch retrieval with the configured strategy
// against the engine's retrieval capability. Every branch attempt emits one event
// and bumps the execution's retrieval counters; a crossed retrieval bound
// fails the call before the next request is issued.
func Orchestrate(ctx context.Context, rc *RunContext, spec RetrievalSpec) (*RetrievalResult, error) {
	if rc.Caps.RetrieveKnowledge == nil {
		return nil, ErrCapabilityMissing
	}

	order := make([]int, len(spec.Retrievers))
	for i := range order {
		order[i] = i
	}

	strategy := spec.Strategy
	if strategy == StrategyAdaptive {
		// Adaptive is first-non-empty with a memory-driven preference for
		// which branch to try first.
		if spec.PreferredRetrieverMemoryKey != "" && rc.State != nil {
			if v, ok := rc.State.GetMemory(spec.PreferredRetrieverMemoryKey); ok {
				if preferred, ok := v.(string); ok {
					for i, r := range spec.Retrievers {
						if r.Key == preferred && i != 0 {
							order = append([]int{i}, append(append([]int{}, order[:i]...), order[i+1:]...)...)
							break
						}
					}
				}
			}
		}
		strategy = StrategyFirstNonEmpty
	}

	result := &RetrievalResult{
		Orchestration: Orchestration{
			Strategy:        spec.Strategy,
			Speculative:     spec.Speculative,
			RetrieversTried: make([]string, 0, len(spec.Retrievers)),
		},
	}

	var outcomes []*branchOutcome
	runBranch := func(idx int) (*branchOutcome, error) {
		out, err := runRetrieverBranch(ctx, rc, spec, idx)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, out)
		result.Orchestration.RetrieversTried = append(result.Orchestration.RetrieversTried, out.key)
		result.Orchestration.BranchCount++
		return out, nil
	}

	switch strategy {
	case StrategySingle:
		out, err := runBranch(order[0])
		if err != nil {
			return nil, err
		}
		if out.err != nil {
			return nil, out.err
		}
		markSelected(out)
		result.Matches = out.matches
		result.Orchestration.SelectedRetrieverKey = out.key

	case StrategyFirstNonEmpty:
		var selected *branchOutcome
		for _, idx := range order {
			if selected != nil && !spec.Speculative {
				break
			}
			out, err := runBranch(idx)
			if err != nil {
				return nil, err
			}
			if selected == nil && out.err == nil && len(out.matches) > 0 {
				selected = out
			}
		}
		if selected != nil {
			markSelected(selected)
			result.Matches = selected.matches
			result.Orchestration.SelectedRetrieverKey = selected.key
		}

	case StrategyBestScore:
		var best *branchOutcome
		for _, idx := range order {
			out, err := runBranch(idx)
			if err != nil {
				return nil, err
			}
			if out.err != nil || len(out.matches) == 0 {
				continue
			}
			if best == nil || out.matches[0].Score > best.matches[0].Score {
				best = out
			}
		}
		if best != nil {
			markSelected(best)
			result.Matches = best.matches
			result.Orchestration.SelectedRetrieverKey = best.key
		}

	case StrategyMerge:
		byChunk := make(map[string]Match)
		for _, idx := range order {
			out, err := runBranch(idx)
			if err != nil {
				return nil, err
			}
			if out.err != nil {
				continue
			}
			markSelected(out)
			for _, m := range out.matches {
				if prev, ok := byChunk[m.ChunkID]; !ok || m.Score > prev.Score {
					byChunk[m.ChunkID] = m
				}
			}
		}
		merged := make([]Match, 0, len(byChunk))
		for _, m := range byChunk {
			merged = append(merged, m)
		}
		sort.SliceStable(merged, func(i, j int) bool {
			if merged[i].Score != merged[j].Score {
				return merged[i].Score > merged[j].Score
			}
			return merged[i].ChunkID < merged[j].ChunkID
		})
		topK := spec.TopK
		if topK > 0 && len(merged) > topK {
			merged = merged[:topK]
		}
		result.Matches = merged
	}

	for _, out := range outcomes {
		emitBranchEvents(rc, out)
	}
	return result, nil
}

// markSelected flags the branch's successful events as selected.
func markSelected(out *branchOutcome) {
	for _, ev := range out.events {
		if ev.Status != "failed" {
			ev.Selected = true
		}
	}
}

// runRetrieverBranch runs one branch including its per-branch retry loop.
// The returned outcome carries the branch's terminal matches or error; a
// non-nil second return means a crossed retrieval bound aborted the whole
// orchestration.
func runRetrieverBranch(ctx context.Context, rc *RunContext, spec RetrievalSpec, idx int) (*branchOutcome, error) {
	r := spec.Retrievers[idx]
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	topK := r.TopK
	if topK <= 0 {
		topK = spec.TopK
	}
	if topK <= 0 {
		topK = 5
	}

	out := &branchOutcome{index: idx, key: r.Key}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if rc.retrievalBounds != nil {
			if err := rc.retrievalBounds(); err != nil {
				return nil, &RetrievalError{RetrieverKey: r.Key, Message: err.Error(), Cause: err}
			}
		}

		started := rc.timeNow()
		matches, err := rc.Caps.RetrieveKnowledge(ctx, RetrieveRequest{
			UserID:      rc.UserID,
			Query:       r.Query,
			TopK:        topK,
			CorpusID:    r.CorpusID,
			ScopeType:   r.ScopeType,
			WorkflowID:  rc.WorkflowID,
			ExecutionID: rc.ExecutionID,
		})
		duration := rc.timeNow().Sub(started)

		ev := &RetrievalBranchEvent{
			Query:        r.Query,
			TopK:         topK,
			Attempt:      attempt,
			MaxAttempts:  maxAttempts,
			DurationMS:   duration.Milliseconds(),
			ScopeType:    r.ScopeType,
			CorpusID:     r.CorpusID,
			Strategy:     spec.Strategy,
			RetrieverKey: r.Key,
			BranchIndex:  idx,
		}

		switch {
		case err != nil:
			ev.Status = "failed"
			ev.ErrorMessage = SanitizeError(err)
			out.err = &RetrievalError{RetrieverKey: r.Key, Message: SanitizeError(err), Cause: err}
		case len(matches) == 0:
			ev.Status = "empty"
			out.matches, out.err = nil, nil
		default:
			ev.Status = "success"
			ev.MatchesCount = len(matches)
			out.matches, out.err = matches, nil
		}
		out.events = append(out.events, ev)
		if rc.State != nil {
			rc.State.AddRetrieval(ev.Status, duration)
		}
		if err == nil {
			break
		}
	}
	return out, nil
}

// emitBranchEvents hands the branch's recorded events to the runner.
func emitBranchEvents(rc *RunContext, out *branchOutcome) {
	if rc.onRetrievalEvent == nil {
		return
	}
	for _, ev := range out.events {
		rc.onRetrievalEvent(*ev)
	}
}
