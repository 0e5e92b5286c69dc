package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindTask    NodeKind = "task"
	NodeKindSubflow NodeKind = "subflow"
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one flow node, or a virtual start/end marker.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // the nested flow of a subflow node
}

// SubGraph holds the nodes of a nested flow. Node IDs are qualified with
// the parent path ("run_FTB_flow/prepare_FTB_data").
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // schema.Status
	DurationMs int64
	Attempts   int
	Resumed    bool
	Error      string
}

// Edge is a dependency, drawn from the dependency to its dependent.
type Edge struct {
	From  string
	To    string
	Label string
}

// FindNode looks up a top-level node by ID.
func (m *DiagramModel) FindNode(id string) *Node {
	return findNode(m.Nodes, id)
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
