package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAction      NodeKind = "action"
	NodeKindConditional NodeKind = "conditional"
	NodeKindFallback    NodeKind = "fallback"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes are in execution order.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Retries  int
	Status   *StatusOverlay
	Children []*SubGraph // on_error fallback
}

// SubGraph holds nodes attached to a step outside the main chain.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries the recorded outcome of a step in one run.
type StatusOverlay struct {
	Status     string // completed, skipped, retrying, failed, recovered, pending
	RetryCount int
	Error      string
}

// Edge connects two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
