package diagram

// NodeKind classifies a diagram node by how the step behaves in the flow.
type NodeKind string

const (
	NodeKindStep        NodeKind = "step"
	NodeKindConditional NodeKind = "conditional"
	NodeKindWorkflow    NodeKind = "workflow"
	NodeKindWait        NodeKind = "wait"
	NodeKindFail        NodeKind = "fail"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
	// Handlers holds the workflow-level on-error steps, if any.
	Handlers *SubGraph
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Detail   string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // nested steps, on-error handlers
}

// SubGraph holds the steps of a nested workflow or of an error handler list.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge connects two nodes. Label is empty for plain sequential flow.
type Edge struct {
	From  string
	To    string
	Label string
}
