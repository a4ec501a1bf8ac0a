package flow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Snapshot reasons, in lifecycle order. Sequences per execution are dense,
// starting at 0 with "init" and ending with "final", "error" or "canceled".
const (
	SnapshotInit     = "init"
	SnapshotStep     = "step"
	SnapshotFinal    = "final"
	SnapshotError    = "error"
	SnapshotCanceled = "canceled"
)

// ControlState bounds and steers an execution.
type ControlState struct {
	LoopCount  int  `json:"loopCount"`
	RetryCount int  `json:"retryCount"`
	MaxLoops   int  `json:"maxLoops"`
	MaxRetries int  `json:"maxRetries"`
	Terminate  bool `json:"terminate"`
}

// RetrievalState tracks retrieval pressure across the whole execution.
// The Max* fields are bounds; crossing MaxFailures or MaxDurationMS fails
// the requesting node.
type RetrievalState struct {
	TotalRequests   int   `json:"totalRequests"`
	TotalSuccesses  int   `json:"totalSuccesses"`
	TotalEmpties    int   `json:"totalEmpties"`
	TotalFailures   int   `json:"totalFailures"`
	TotalDurationMS int64 `json:"totalDurationMs"`
	MaxRequests     int   `json:"maxRequests"`
	MaxFailures     int   `json:"maxFailures"`
	MaxDurationMS   int64 `json:"maxDurationMs"`
}

// RuntimeState is engine-owned bookkeeping about the live execution.
type RuntimeState struct {
	StartedAt           time.Time `json:"startedAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
	ActiveNodeID        string    `json:"activeNodeId,omitempty"`
	LastCompletedNodeID string    `json:"lastCompletedNodeId,omitempty"`
}

// State is the execution context state, version 1.
//
// Memory is user scratch space, dot-path addressable. Knowledge holds
// engine-owned diagnostics such as "scheduler.waves" and
// "retrieval.lastMatches". Both maps hold JSON-serializable values only.
type State struct {
	Memory    map[string]any `json:"memory"`
	Knowledge map[string]any `json:"knowledge"`
	Control   ControlState   `json:"control"`
	Retrieval RetrievalState `json:"retrieval"`
	Runtime   RuntimeState   `json:"runtime"`
}

// Defaults are the execution bounds applied to a fresh context.
type Defaults struct {
	MaxLoops             int
	MaxRetries           int
	MaxRetrievalRequests int
	MaxRetrievalFailures int
	MaxRetrievalDuration time.Duration
}

// DefaultBounds returns the stock execution bounds.
func DefaultBounds() Defaults {
	return Defaults{
		MaxLoops:             100,
		MaxRetries:           3,
		MaxRetrievalRequests: 50,
		MaxRetrievalFailures: 10,
		MaxRetrievalDuration: 60 * time.Second,
	}
}

// Patch is a partial context update applied by a node. Map entries merge
// per key; nil control fields leave the current value unchanged.
type Patch struct {
	Memory    map[string]any `json:"memory,omitempty"`
	Knowledge map[string]any `json:"knowledge,omitempty"`
	Control   *ControlPatch  `json:"control,omitempty"`
}

// ControlPatch updates individual control fields.
type ControlPatch struct {
	Terminate  *bool `json:"terminate,omitempty"`
	LoopCount  *int  `json:"loopCount,omitempty"`
	RetryCount *int  `json:"retryCount,omitempty"`
	MaxLoops   *int  `json:"maxLoops,omitempty"`
	MaxRetries *int  `json:"maxRetries,omitempty"`
}

// Context is the live, versioned execution context. It is single-writer
// while a node executes; concurrent nodes in a wave each receive an
// isolated view (Fork) that is merged back at the wave barrier. The
// internal mutex only guards the barrier merge and snapshot copies.
type Context struct {
	mu      sync.Mutex
	state   State
	version int
	now     func() time.Time
}

// NewContext creates a context with the given bounds. now may be nil, in
// which case time.Now (UTC) is used.
func NewContext(bounds Defaults, now func() time.Time) *Context {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	start := now()
	return &Context{
		state: State{
			Memory:    make(map[string]any),
			Knowledge: make(map[string]any),
			Control: ControlState{
				MaxLoops:   bounds.MaxLoops,
				MaxRetries: bounds.MaxRetries,
			},
			Retrieval: RetrievalState{
				MaxRequests:   bounds.MaxRetrievalRequests,
				MaxFailures:   bounds.MaxRetrievalFailures,
				MaxDurationMS: bounds.MaxRetrievalDuration.Milliseconds(),
			},
			Runtime: RuntimeState{StartedAt: start, UpdatedAt: start},
		},
		now: now,
	}
}

// Version returns the mutation counter. It increments on every write.
func (c *Context) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// StateCopy returns an independent deep copy of the current state, suitable
// for snapshot persistence.
func (c *Context) StateCopy() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return deepCopyState(c.state)
}

// SetMemory writes a dot-path addressable memory key.
func (c *Context) SetMemory(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	setPath(c.state.Memory, key, value)
	c.touch()
}

// GetMemory reads a dot-path addressable memory key.
func (c *Context) GetMemory(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return getPath(c.state.Memory, key)
}

// SetKnowledge writes an engine-owned diagnostic key.
func (c *Context) SetKnowledge(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	setPath(c.state.Knowledge, key, value)
	c.touch()
}

// ApplyPatch merges a partial update into the context.
func (c *Context) ApplyPatch(p Patch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyPatchLocked(p)
}

func (c *Context) applyPatchLocked(p Patch) {
	for k, v := range p.Memory {
		setPath(c.state.Memory, k, v)
	}
	for k, v := range p.Knowledge {
		setPath(c.state.Knowledge, k, v)
	}
	if p.Control != nil {
		cp := p.Control
		if cp.Terminate != nil {
			c.state.Control.Terminate = *cp.Terminate
		}
		if cp.LoopCount != nil {
			c.state.Control.LoopCount = *cp.LoopCount
		}
		if cp.RetryCount != nil {
			c.state.Control.RetryCount = *cp.RetryCount
		}
		if cp.MaxLoops != nil {
			c.state.Control.MaxLoops = *cp.MaxLoops
		}
		if cp.MaxRetries != nil {
			c.state.Control.MaxRetries = *cp.MaxRetries
		}
	}
	c.touch()
}

// AddRetrieval accumulates retrieval counters for one branch attempt.
func (c *Context) AddRetrieval(status string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Retrieval.TotalRequests++
	c.state.Retrieval.TotalDurationMS += duration.Milliseconds()
	switch status {
	case "success":
		c.state.Retrieval.TotalSuccesses++
	case "empty":
		c.state.Retrieval.TotalEmpties++
	case "failed":
		c.state.Retrieval.TotalFailures++
	}
	c.touch()
}

// RetrievalExceeded reports which retrieval bound, if any, has been crossed.
func (c *Context) RetrievalExceeded() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.state.Retrieval
	if r.MaxFailures > 0 && r.TotalFailures > r.MaxFailures {
		return fmt.Errorf("retrieval failures exceeded bound (%d > %d)", r.TotalFailures, r.MaxFailures)
	}
	if r.MaxDurationMS > 0 && r.TotalDurationMS > r.MaxDurationMS {
		return fmt.Errorf("retrieval duration exceeded bound (%dms > %dms)", r.TotalDurationMS, r.MaxDurationMS)
	}
	if r.MaxRequests > 0 && r.TotalRequests > r.MaxRequests {
		return fmt.Errorf("retrieval requests exceeded bound (%d > %d)", r.TotalRequests, r.MaxRequests)
	}
	return nil
}

// Terminated reports whether a node has requested termination.
func (c *Context) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Control.Terminate
}

// MarkActive records the node currently executing.
func (c *Context) MarkActive(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Runtime.ActiveNodeID = nodeID
	c.touch()
}

// MarkCompleted records the last node that reached a terminal outcome.
func (c *Context) MarkCompleted(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Runtime.ActiveNodeID = ""
	c.state.Runtime.LastCompletedNodeID = nodeID
	c.touch()
}

// touch bumps the version and the runtime updated timestamp. Callers hold
// the mutex.
func (c *Context) touch() {
	c.version++
	c.state.Runtime.UpdatedAt = c.now()
}

// Fork creates an isolated view for concurrent in-wave execution. The view
// starts from a deep copy of the current state and records every mutation;
// MergeViews applies the recorded mutations back at the wave barrier.
func (c *Context) Fork() *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &View{
		ctx: &Context{state: deepCopyState(c.state), now: c.now},
	}
}

// MergeViews applies forked views back into the parent at the wave barrier.
// Views must be passed in ascending node id order; the merge rules are:
//   - memory/knowledge: last writer wins per key, in view order
//   - retrieval counters: summed deltas
//   - control.terminate: logical OR
//   - control loop/retry counts: maximum
//   - runtime: last writer wins by updated timestamp
func (c *Context) MergeViews(views []*View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range views {
		v.ctx.mu.Lock()
		for _, w := range v.writes {
			c.applyPatchLocked(w)
		}
		d := v.retrievalDelta
		c.state.Retrieval.TotalRequests += d.TotalRequests
		c.state.Retrieval.TotalSuccesses += d.TotalSuccesses
		c.state.Retrieval.TotalEmpties += d.TotalEmpties
		c.state.Retrieval.TotalFailures += d.TotalFailures
		c.state.Retrieval.TotalDurationMS += d.TotalDurationMS

		vc := v.ctx.state.Control
		c.state.Control.Terminate = c.state.Control.Terminate || vc.Terminate
		if vc.LoopCount > c.state.Control.LoopCount {
			c.state.Control.LoopCount = vc.LoopCount
		}
		if vc.RetryCount > c.state.Control.RetryCount {
			c.state.Control.RetryCount = vc.RetryCount
		}

		if v.ctx.state.Runtime.UpdatedAt.After(c.state.Runtime.UpdatedAt) {
			rt := v.ctx.state.Runtime
			rt.ActiveNodeID = ""
			c.state.Runtime = rt
		}
		v.ctx.mu.Unlock()
		c.version++
	}
}

// View is an isolated per-node context used during concurrent wave
// execution. It satisfies the same mutation surface as Context but records
// writes for the barrier merge.
type View struct {
	ctx            *Context
	writes         []Patch
	retrievalDelta RetrievalState
}

// Context returns the view's private context for reads.
func (v *View) Context() *Context { return v.ctx }

// SetMemory records and applies a memory write.
func (v *View) SetMemory(key string, value any) {
	v.writes = append(v.writes, Patch{Memory: map[string]any{key: value}})
	v.ctx.SetMemory(key, value)
}

// SetKnowledge records and applies a knowledge write.
func (v *View) SetKnowledge(key string, value any) {
	v.writes = append(v.writes, Patch{Knowledge: map[string]any{key: value}})
	v.ctx.SetKnowledge(key, value)
}

// ApplyPatch records and applies a partial update.
func (v *View) ApplyPatch(p Patch) {
	v.writes = append(v.writes, p)
	v.ctx.ApplyPatch(p)
}

// AddRetrieval records a retrieval counter delta.
func (v *View) AddRetrieval(status string, duration time.Duration) {
	v.retrievalDelta.TotalRequests++
	v.retrievalDelta.TotalDurationMS += duration.Milliseconds()
	switch status {
	case "success":
		v.retrievalDelta.TotalSuccesses++
	case "empty":
		v.retrievalDelta.TotalEmpties++
	case "failed":
		v.retrievalDelta.TotalFailures++
	}
	v.ctx.AddRetrieval(status, duration)
}

// deepCopyState copies state via JSON round-trip. Memory and knowledge hold
// JSON-serializable values only, so the round-trip is lossless for them.
func deepCopyState(s State) State {
	data, err := json.Marshal(s)
	if err != nil {
		// Maps hold only JSON-serializable values; a failure here is a
		// programming error. Fall back to a shallow copy.
		return s
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return s
	}
	if out.Memory == nil {
		out.Memory = make(map[string]any)
	}
	if out.Knowledge == nil {
		out.Knowledge = make(map[string]any)
	}
	return out
}

// getPath resolves a dot path ("a.b.c") through nested maps.
func getPath(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes a dot path, creating intermediate maps as needed. A
// non-map intermediate value is replaced.
func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := m
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
}
