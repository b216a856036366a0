// Package graph defines the resolved task DAG: typed nodes, guarded edges,
// a stable JSON codec, topological layering, and the built-in graph builders
// for chat modes.
package graph

import (
	"fmt"
	"sort"

	"github.com/haasonsaas/amon/internal/retry"
)

// NodeType is the closed set of node variants.
type NodeType string

const (
	NodeAgentTask  NodeType = "agent_task"
	NodeWriteFile  NodeType = "write_file"
	NodeToolCall   NodeType = "tool_call"
	NodeCondition  NodeType = "condition"
	NodeMap        NodeType = "map"
	NodeSandboxRun NodeType = "sandbox_run"
	NodeConfirm    NodeType = "confirm"
)

// Engine declares which execution engine a node uses.
type Engine string

const (
	EngineLLM    Engine = "llm"
	EngineTool   Engine = "tool"
	EngineHybrid Engine = "hybrid"
)

// Timeouts are the per-node timeout declarations in seconds. Zero values
// fall back to runtime defaults.
type Timeouts struct {
	InactivityS   float64 `json:"inactivity_s,omitempty"`
	HardS         float64 `json:"hard_s,omitempty"`
	WarningAfterS float64 `json:"warning_after_s,omitempty"`
}

// Write declares a session key a node produces, with a type hint for
// downstream consumers.
type Write struct {
	Key      string `json:"key"`
	TypeHint string `json:"type_hint,omitempty"`
}

// MapSpec declares a map node's fan-out. Either ItemsKey names a session key
// holding a list, or Count fans out a fixed number of children. Children
// inherit the parent's timeouts; retry applies per child.
type MapSpec struct {
	ItemsKey string `json:"items_key,omitempty"`
	Count    int    `json:"count,omitempty"`
	// MaxItems bounds the fan-out regardless of input size.
	MaxItems int   `json:"max_items,omitempty"`
	Child    *Node `json:"child,omitempty"`
}

// PlanSpec is a confirm node's plan card template.
type PlanSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Risk    string   `json:"risk,omitempty"`
	// ExpiryS is how long the parked run waits before auto-reject.
	ExpiryS float64 `json:"expiry_s,omitempty"`
}

// Node is one vertex of the resolved DAG.
type Node struct {
	ID     string   `json:"id"`
	Type   NodeType `json:"type"`
	Engine Engine   `json:"engine,omitempty"`

	Reads  []string `json:"reads,omitempty"`
	Writes []Write  `json:"writes,omitempty"`

	// OutputPath, when set, must resolve inside docs/, audits/, or
	// workspace/. Map children may carry "{i}" and "{item}" placeholders.
	OutputPath string `json:"output_path,omitempty"`

	// Prompt is the instruction for agent_task nodes.
	Prompt string `json:"prompt,omitempty"`

	// Content is the literal body for write_file nodes.
	Content string `json:"content,omitempty"`

	// Tool and Args describe a tool_call.
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// Predicate is a condition node's guard expression.
	Predicate string `json:"predicate,omitempty"`

	// Command is the sandbox_run submission.
	Command string `json:"command,omitempty"`

	Map  *MapSpec  `json:"map,omitempty"`
	Plan *PlanSpec `json:"plan,omitempty"`

	Retry    retry.Policy `json:"retry,omitempty"`
	Timeouts Timeouts     `json:"timeouts,omitempty"`
}

// Edge connects two nodes; When, if set, gates the edge against session
// state.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	When string `json:"when,omitempty"`
}

// Graph is a resolved task DAG ready for execution.
type Graph struct {
	ID    string `json:"id"`
	Mode  string `json:"mode,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges,omitempty"`
}

// NodeByID returns the node or nil.
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// RequiresLLM reports whether any node dispatches to the LLM engine.
func (g *Graph) RequiresLLM() bool {
	for _, n := range g.Nodes {
		if n.Type == NodeAgentTask || n.Engine == EngineLLM || n.Engine == EngineHybrid {
			return true
		}
		if n.Type == NodeMap && n.Map != nil && n.Map.Child != nil {
			if n.Map.Child.Type == NodeAgentTask || n.Map.Child.Engine == EngineLLM {
				return true
			}
		}
	}
	return false
}

// Validate checks structural integrity: unique node ids, edges referencing
// known nodes, map nodes carrying a child, confirm nodes carrying a plan.
func (g *Graph) Validate() error {
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("graph %s: node with empty id", g.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("graph %s: duplicate node id %q", g.ID, n.ID)
		}
		seen[n.ID] = true
		switch n.Type {
		case NodeAgentTask, NodeWriteFile, NodeToolCall, NodeCondition, NodeMap, NodeSandboxRun, NodeConfirm:
		default:
			return fmt.Errorf("graph %s: node %s has unknown type %q", g.ID, n.ID, n.Type)
		}
		if n.Type == NodeMap && (n.Map == nil || n.Map.Child == nil) {
			return fmt.Errorf("graph %s: map node %s has no child template", g.ID, n.ID)
		}
		if n.Type == NodeConfirm && n.Plan == nil {
			return fmt.Errorf("graph %s: confirm node %s has no plan", g.ID, n.ID)
		}
	}
	for _, e := range g.Edges {
		if !seen[e.From] || !seen[e.To] {
			return fmt.Errorf("graph %s: edge %s->%s references unknown node", g.ID, e.From, e.To)
		}
	}
	if _, err := g.Layers(); err != nil {
		return err
	}
	return nil
}

// Layers computes topological layers. Nodes in one layer have no edges among
// them and may run concurrently; within a layer, declaration order is the
// deterministic tie-break. A cycle is an error.
func (g *Graph) Layers() ([][]string, error) {
	order := make(map[string]int, len(g.Nodes))
	indeg := make(map[string]int, len(g.Nodes))
	succ := make(map[string][]string)
	for i, n := range g.Nodes {
		order[n.ID] = i
		indeg[n.ID] = 0
	}
	for _, e := range g.Edges {
		succ[e.From] = append(succ[e.From], e.To)
		indeg[e.To]++
	}

	remaining := len(g.Nodes)
	var layers [][]string
	for remaining > 0 {
		var layer []string
		for _, n := range g.Nodes {
			if deg, ok := indeg[n.ID]; ok && deg == 0 {
				layer = append(layer, n.ID)
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("graph %s contains a cycle", g.ID)
		}
		sort.Slice(layer, func(i, j int) bool { return order[layer[i]] < order[layer[j]] })
		for _, id := range layer {
			delete(indeg, id)
			remaining--
			for _, next := range succ[id] {
				if _, ok := indeg[next]; ok {
					indeg[next]--
				}
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// Incoming returns the edges targeting a node.
func (g *Graph) Incoming(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing returns the edges leaving a node.
func (g *Graph) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}
