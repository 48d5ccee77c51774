package diagram

import (
	"fmt"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
)

// StatusRecovered marks a step whose on_error handler supplied the result.
const StatusRecovered = "recovered"

// StatusPending marks a step with no recorded events in the overlaid run.
const StatusPending = "pending"

// Build constructs a DiagramModel from a definition. When traces is non-nil
// (see store.EventLog.ReplayEvents) every step gets a status overlay; steps
// the run never reached are pending.
func Build(def *engine.Definition, traces map[string]*store.StepTrace) (*DiagramModel, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, fmt.Errorf("diagram: definition has no steps")
	}

	nodes := make([]*Node, 0, len(def.Steps)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for i := range def.Steps {
		node := stepToNode(&def.Steps[i])
		if traces != nil {
			node.Status = overlay(traces[node.ID])
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title: def.Name,
		Nodes: nodes,
		Edges: buildEdges(nodes),
	}, nil
}

func stepToNode(step *engine.Step) *Node {
	node := &Node{
		ID:      step.ID,
		Label:   nodeLabel(step),
		Kind:    NodeKindAction,
		Retries: step.Retries,
	}
	if step.Condition != nil {
		node.Kind = NodeKindConditional
	}
	if step.OnError != nil {
		fallbackID := step.ID + ".fallback"
		node.Children = append(node.Children, &SubGraph{
			Label: "on_error",
			Nodes: []*Node{{ID: fallbackID, Label: "fallback", Kind: NodeKindFallback}},
			Edges: []Edge{{From: step.ID, To: fallbackID, Label: "exhausted"}},
		})
	}
	return node
}

// nodeLabel returns the step id, with the description on a second line.
func nodeLabel(step *engine.Step) string {
	if step.Description != "" {
		return step.ID + "\n" + step.Description
	}
	return step.ID
}

func overlay(trace *store.StepTrace) *StatusOverlay {
	if trace == nil {
		return &StatusOverlay{Status: StatusPending}
	}
	status := trace.Status
	if trace.Recovered {
		status = StatusRecovered
	}
	return &StatusOverlay{Status: status, RetryCount: trace.Retries, Error: trace.LastError}
}

// buildEdges links the chain in order. A conditional step also gets a
// "skip" edge from its predecessor to its successor.
func buildEdges(nodes []*Node) []Edge {
	var edges []Edge
	for i := 0; i < len(nodes)-1; i++ {
		from, to := nodes[i], nodes[i+1]
		label := ""
		if to.Kind == NodeKindConditional {
			label = "when"
		}
		edges = append(edges, Edge{From: from.ID, To: to.ID, Label: label})
	}
	for i := 1; i < len(nodes)-1; i++ {
		if nodes[i].Kind == NodeKindConditional {
			edges = append(edges, Edge{From: nodes[i-1].ID, To: nodes[i+1].ID, Label: "skip"})
		}
	}
	return edges
}
