// Package flow provides the workflow execution engine: the typed workflow
// model, graph validation, wave scheduling, the per-node runner, the
// versioned execution context and the retrieval orchestrator.
package flow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Workflow is the executable graph model. It is hydrated from the persisted
// JSON definition at enqueue time, so a running execution always operates on
// a snapshot and never observes concurrent edits.
type Workflow struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Nodes       []WorkflowNode `json:"nodes"`
	Edges       []WorkflowEdge `json:"edges"`
	Version     int            `json:"version,omitempty"`
}

// WorkflowNode is one step in the graph. Config semantics vary per type;
// the registered node definition validates and interprets it.
type WorkflowNode struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Label    string         `json:"label,omitempty"`
	Position Position       `json:"position,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// Position is the visual editor placement. The engine carries it through
// untouched.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowEdge is a directed source→target connection. Condition is an
// optional activation token matched against the source node's emitted route
// tokens; an empty condition means the edge is unconditional.
type WorkflowEdge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// ParseWorkflow hydrates a workflow from its persisted JSON definition.
func ParseWorkflow(definition json.RawMessage) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(definition, &wf); err != nil {
		return nil, &ValidationError{Message: "malformed workflow definition: " + err.Error()}
	}
	return &wf, nil
}

// Validate checks the structural invariants of the graph:
//   - node ids are unique and non-empty
//   - every edge endpoint references a node id
//   - the graph is acyclic (Kahn's algorithm terminates)
//   - every node type is registered
//   - per-node config validation passes
//
// Validation failures are permanent: the execution fails before any node
// runs and must not be retried by the queue.
func (w *Workflow) Validate(registry *Registry) error {
	if len(w.Nodes) == 0 {
		return &ValidationError{Message: "workflow has no nodes"}
	}

	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return &ValidationError{Message: "node with empty id"}
		}
		if seen[n.ID] {
			return &ValidationError{Message: "duplicate node id: " + n.ID, NodeID: n.ID}
		}
		seen[n.ID] = true
	}

	for _, e := range w.Edges {
		if !seen[e.Source] {
			return &ValidationError{Message: fmt.Sprintf("edge %s references unknown source node %q", e.ID, e.Source)}
		}
		if !seen[e.Target] {
			return &ValidationError{Message: fmt.Sprintf("edge %s references unknown target node %q", e.ID, e.Target)}
		}
	}

	if _, err := w.Waves(); err != nil {
		return err
	}

	if registry != nil {
		for _, n := range w.Nodes {
			def, ok := registry.Get(n.Type)
			if !ok {
				return &ValidationError{Message: "unregistered node type: " + n.Type, NodeID: n.ID}
			}
			if result := def.Validate(n.Config); !result.Valid {
				return &ValidationError{
					Message: fmt.Sprintf("invalid config for node %s (%s): %v", n.ID, n.Type, result.Errors),
					NodeID:  n.ID,
				}
			}
		}
	}
	return nil
}

// Waves computes the Kahn layering of the graph: wave 0 holds all nodes
// with in-degree zero, wave k+1 holds the nodes whose remaining parents all
// sit in waves <= k. Nodes within a wave are ordered ascending by id, which
// fixes the deterministic left-to-right execution and merge order.
//
// Returns a ValidationError when the graph has a cycle.
func (w *Workflow) Waves() ([][]string, error) {
	inDegree := make(map[string]int, len(w.Nodes))
	children := make(map[string][]string, len(w.Nodes))
	for _, n := range w.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range w.Edges {
		inDegree[e.Target]++
		children[e.Source] = append(children[e.Source], e.Target)
	}

	frontier := make([]string, 0)
	for _, n := range w.Nodes {
		if inDegree[n.ID] == 0 {
			frontier = append(frontier, n.ID)
		}
	}
	sort.Strings(frontier)

	waves := make([][]string, 0)
	removed := 0
	for len(frontier) > 0 {
		waves = append(waves, frontier)
		removed += len(frontier)

		next := make([]string, 0)
		for _, id := range frontier {
			for _, child := range children[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	if removed != len(w.Nodes) {
		return nil, &ValidationError{Message: "workflow graph contains a cycle"}
	}
	return waves, nil
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (WorkflowNode, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return WorkflowNode{}, false
}

// incomingEdges returns the edges targeting the given node, in declaration
// order.
func (w *Workflow) incomingEdges(nodeID string) []WorkflowEdge {
	out := make([]WorkflowEdge, 0)
	for _, e := range w.Edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}
