package diagram

import (
	"context"
	"fmt"
	"slices"

	"github.com/rendis/flowrun/pkg/engine"
	"github.com/rendis/flowrun/pkg/schema"
	"github.com/rendis/flowrun/pkg/store"
)

// maxDepth bounds subflow expansion for self-referencing resolvers.
const maxDepth = 16

// SubflowResolver builds the nested flow of a subflow node without running it.
// Returning a nil flow leaves the node unexpanded.
type SubflowResolver func(n *engine.Node) (*engine.Flow, error)

// Option configures Build.
type Option func(*builder)

// WithResult overlays the statuses of a finished run. Nested runs are
// expanded from their results.
func WithResult(res *engine.RunResult) Option {
	return func(b *builder) { b.result = res }
}

// WithStore overlays the statuses stored for runID, including nested runs
// of resolved subflows.
func WithStore(ctx context.Context, st store.Store, runID string) Option {
	return func(b *builder) {
		b.ctx = ctx
		b.store = st
		b.runID = runID
	}
}

// WithSubflows expands subflow nodes through resolve.
func WithSubflows(resolve SubflowResolver) Option {
	return func(b *builder) { b.resolve = resolve }
}

type builder struct {
	ctx     context.Context
	result  *engine.RunResult
	store   store.Store
	runID   string
	resolve SubflowResolver
}

// layer is the topology of one flow, taken either from its definition or from a run result.
type layer struct {
	title  string
	order  []string
	names  map[string]string
	kinds  map[string]engine.Kind
	deps   map[string][]string
	levels [][]string
	flow   *engine.Flow
}

// Build constructs a DiagramModel from a flow. Topology comes from
// engine.ParseDAG; options add status overlays and nested flows.
func Build(f *engine.Flow, opts ...Option) (*DiagramModel, error) {
	b := &builder{ctx: context.Background()}
	for _, opt := range opts {
		opt(b)
	}

	top, err := flowLayer(f)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse DAG: %w", err)
	}

	statuses, err := b.storedStatuses(f.Name(), b.runID)
	if err != nil {
		return nil, err
	}

	nodes := make([]*Node, 0, len(top.order)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range top.order {
		n, err := b.node(top, id, "", b.result, statuses, b.runID, 0)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	levels := make([][]string, 0, len(top.levels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, top.levels...)
	levels = append(levels, []string{endID})

	return &DiagramModel{
		Title:  top.title,
		Nodes:  nodes,
		Edges:  buildEdges(top),
		Levels: levels,
	}, nil
}

// node builds one diagram node and, for subflows, its nested graph.
// prefix qualifies IDs of nested nodes.
func (b *builder) node(l *layer, id, prefix string, res *engine.RunResult, statuses map[string]schema.Status, runID string, depth int) (*Node, error) {
	n := &Node{
		ID:    prefix + id,
		Label: l.names[id],
		Kind:  NodeKindTask,
	}
	if l.kinds[id] == engine.KindSubflow {
		n.Kind = NodeKindSubflow
	}

	var nr *engine.NodeResult
	if res != nil {
		nr = res.Nodes[id]
	}
	switch {
	case nr != nil:
		n.Status = overlayFromResult(nr)
	case statuses != nil:
		if st, ok := statuses[id]; ok {
			n.Status = &StatusOverlay{Status: string(st)}
		}
	}

	if n.Kind != NodeKindSubflow || depth >= maxDepth {
		return n, nil
	}
	child, childRes, err := b.childLayer(l, id, nr)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return n, nil
	}

	childRun := ""
	if runID != "" {
		childRun = runID + "/" + id
	}
	var childStatuses map[string]schema.Status
	if childRes == nil {
		childStatuses, err = b.storedStatuses(child.title, childRun)
		if err != nil {
			return nil, err
		}
	}

	sg := &SubGraph{Label: child.title}
	childPrefix := n.ID + "/"
	for _, cid := range child.order {
		cn, err := b.node(child, cid, childPrefix, childRes, childStatuses, childRun, depth+1)
		if err != nil {
			return nil, err
		}
		sg.Nodes = append(sg.Nodes, cn)
	}
	for _, cid := range child.order {
		for _, dep := range child.deps[cid] {
			sg.Edges = append(sg.Edges, Edge{From: childPrefix + dep, To: childPrefix + cid})
		}
	}
	n.Children = append(n.Children, sg)
	return n, nil
}

// childLayer picks the nested topology of a subflow: the resolved flow when
// available, otherwise the shape recorded in the nested run result.
func (b *builder) childLayer(parent *layer, id string, nr *engine.NodeResult) (*layer, *engine.RunResult, error) {
	if nr != nil && nr.Subrun != nil {
		return resultLayer(nr.Subrun), nr.Subrun, nil
	}
	if b.resolve == nil || parent.flow == nil {
		return nil, nil, nil
	}
	n, ok := parent.flow.Node(id)
	if !ok {
		return nil, nil, nil
	}
	f, err := b.resolve(n)
	if err != nil {
		return nil, nil, fmt.Errorf("diagram: resolve subflow %q: %w", id, err)
	}
	if f == nil {
		return nil, nil, nil
	}
	l, err := flowLayer(f)
	if err != nil {
		return nil, nil, fmt.Errorf("diagram: parse nested flow of %q: %w", id, err)
	}
	return l, nil, nil
}

func overlayFromResult(nr *engine.NodeResult) *StatusOverlay {
	o := &StatusOverlay{
		Status:     string(nr.Status),
		DurationMs: nr.Duration().Milliseconds(),
		Attempts:   nr.Attempts,
		Resumed:    nr.Resumed,
	}
	if nr.Err != nil {
		o.Error = nr.Err.Error()
	}
	return o
}

func (b *builder) storedStatuses(flow, runID string) (map[string]schema.Status, error) {
	if b.store == nil || runID == "" {
		return nil, nil
	}
	statuses, err := b.store.LoadRun(b.ctx, flow, runID)
	if err != nil {
		return nil, fmt.Errorf("diagram: load run %s: %w", runID, err)
	}
	return statuses, nil
}

func flowLayer(f *engine.Flow) (*layer, error) {
	dag, err := engine.ParseDAG(f)
	if err != nil {
		return nil, err
	}
	l := &layer{
		title:  f.Name(),
		order:  dag.Sorted,
		names:  make(map[string]string, len(dag.Nodes)),
		kinds:  make(map[string]engine.Kind, len(dag.Nodes)),
		deps:   dag.Edges,
		levels: dag.Levels,
		flow:   f,
	}
	for id, n := range dag.Nodes {
		l.names[id] = n.Name
		l.kinds[id] = n.Kind
	}
	return l, nil
}

// resultLayer rebuilds the topology recorded in a run result.
func resultLayer(res *engine.RunResult) *layer {
	l := &layer{
		title: res.Flow,
		order: res.Order,
		names: make(map[string]string, len(res.Nodes)),
		kinds: make(map[string]engine.Kind, len(res.Nodes)),
		deps:  make(map[string][]string, len(res.Nodes)),
	}
	depth := make(map[string]int, len(res.Order))
	for _, id := range res.Order {
		nr := res.Nodes[id]
		if nr == nil {
			continue
		}
		l.names[id] = nr.Name
		l.kinds[id] = nr.Kind
		l.deps[id] = nr.DependsOn
		d := 0
		for _, dep := range nr.DependsOn {
			d = max(d, depth[dep]+1)
		}
		depth[id] = d
		for len(l.levels) <= d {
			l.levels = append(l.levels, nil)
		}
		l.levels[d] = append(l.levels[d], id)
	}
	return l
}

// buildEdges adds virtual start/end edges around the dependency edges.
func buildEdges(l *layer) []Edge {
	var edges []Edge
	dependents := make(map[string]int, len(l.order))
	for _, id := range l.order {
		deps := l.deps[id]
		if len(deps) == 0 {
			edges = append(edges, Edge{From: startID, To: id})
		}
		for _, dep := range deps {
			edges = append(edges, Edge{From: dep, To: id})
			dependents[dep]++
		}
	}
	for _, id := range l.order {
		if dependents[id] == 0 {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	slices.SortStableFunc(edges, func(a, b Edge) int {
		if a.From == startID && b.From != startID {
			return -1
		}
		if b.From == startID && a.From != startID {
			return 1
		}
		return 0
	})
	return edges
}
