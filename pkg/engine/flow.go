package engine

import (
	"github.com/rendis/flowrun/pkg/schema"
	"github.com/rendis/flowrun/pkg/store"
)

// Flow is a named graph of nodes bound to a Store.
// It is mutable while nodes are registered and must not be changed once
// handed to an Executor. Builders create a fresh Flow per call.
type Flow struct {
	name  string
	store store.Store
	nodes map[string]*Node
	order []string
	err   error
}

// NewFlow creates an empty Flow. A nil store falls back to a new MemoryStore.
func NewFlow(name string, st store.Store) *Flow {
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Flow{
		name:  name,
		store: st,
		nodes: make(map[string]*Node),
	}
}

// Name returns the flow name.
func (f *Flow) Name() string { return f.name }

// Store returns the store the flow persists its runs to.
func (f *Flow) Store() store.Store { return f.store }

// Err returns the registration error that made the flow unusable, if any.
func (f *Flow) Err() error { return f.err }

// Len returns the number of registered nodes.
func (f *Flow) Len() int { return len(f.order) }

// Node looks up a node by id.
func (f *Flow) Node(id string) (*Node, bool) {
	n, ok := f.nodes[id]
	return n, ok
}

// Nodes returns the nodes in registration order.
func (f *Flow) Nodes() []*Node {
	out := make([]*Node, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.nodes[id])
	}
	return out
}

// Task registers a leaf node. The callable is not invoked.
func (f *Flow) Task(id string, fn TaskFunc, opts ...NodeOption) error {
	if fn == nil {
		return f.fail(schema.NewError(schema.ErrCodeValidation, "task callable is nil").WithNode(id))
	}
	return f.add(&Node{ID: id, Kind: KindTask, task: fn}, opts)
}

// Subflow registers a node whose callable returns a nested Flow to run to completion.
// The callable is not invoked.
func (f *Flow) Subflow(id string, fn SubflowFunc, opts ...NodeOption) error {
	if fn == nil {
		return f.fail(schema.NewError(schema.ErrCodeValidation, "subflow callable is nil").WithNode(id))
	}
	return f.add(&Node{ID: id, Kind: KindSubflow, subflow: fn}, opts)
}

func (f *Flow) add(n *Node, opts []NodeOption) error {
	if f.err != nil {
		return f.err
	}
	if n.ID == "" {
		return f.fail(schema.NewError(schema.ErrCodeValidation, "node id is empty"))
	}
	if _, exists := f.nodes[n.ID]; exists {
		return f.fail(schema.NewErrorf(schema.ErrCodeDuplicateNode,
			"node %q already registered in flow %q", n.ID, f.name).WithNode(n.ID))
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.Name == "" {
		n.Name = n.ID
	}
	f.nodes[n.ID] = n
	f.order = append(f.order, n.ID)
	return nil
}

// fail poisons the flow with the first registration error.
func (f *Flow) fail(err *schema.FlowError) error {
	if f.err == nil {
		f.err = err
	}
	return f.err
}

// Validate checks references and acyclicity and returns the resolved graph.
func (f *Flow) Validate() (*DAG, error) {
	return ParseDAG(f)
}
