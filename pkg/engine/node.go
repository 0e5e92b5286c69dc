package engine

import "time"

// Kind tags a Node as a leaf task or a nested flow.
type Kind string

const (
	KindTask    Kind = "task"
	KindSubflow Kind = "subflow"
)

// TaskFunc is the unit of work of a Task node.
type TaskFunc func(c *Context) error

// SubflowFunc builds the nested Flow that a Subflow node runs to completion.
type SubflowFunc func(c *Context) (*Flow, error)

// Node is a vertex of a Flow. It is owned by its Flow.
type Node struct {
	ID        string
	Name      string
	DependsOn []string
	Kind      Kind
	Params    any
	Timeout   time.Duration
	Retry     *RetryPolicy

	task    TaskFunc
	subflow SubflowFunc
}

// NodeOption configures a node at registration time.
type NodeOption func(*Node)

// WithName sets the display name. It defaults to the node id.
func WithName(name string) NodeOption {
	return func(n *Node) { n.Name = name }
}

// DependsOn adds dependencies. Repeated ids are collapsed.
func DependsOn(ids ...string) NodeOption {
	return func(n *Node) {
		for _, id := range ids {
			if !containsString(n.DependsOn, id) {
				n.DependsOn = append(n.DependsOn, id)
			}
		}
	}
}

// WithParams stores a value verbatim; the callable reads it with Context.Params.
func WithParams(params any) NodeOption {
	return func(n *Node) { n.Params = params }
}

// WithTimeout fails the node with a TIMEOUT_ERROR when it runs longer than d.
func WithTimeout(d time.Duration) NodeOption {
	return func(n *Node) { n.Timeout = d }
}

// WithRetry re-runs a failing node according to policy.
func WithRetry(policy RetryPolicy) NodeOption {
	return func(n *Node) {
		p := policy
		n.Retry = &p
	}
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
