package engine

import (
	"slices"

	"github.com/rendis/flowrun/pkg/schema"
)

// DAG is the resolved dependency graph of a Flow.
type DAG struct {
	Nodes   map[string]*Node    // node ID → node
	Edges   map[string][]string // node ID → dependencies (depends_on)
	Reverse map[string][]string // node ID → dependents
	Sorted  []string            // topological order
	Roots   []string            // nodes with no dependencies
	Levels  [][]string          // nodes grouped by dependency depth
}

// ParseDAG validates a Flow and resolves it into a DAG.
// It rejects poisoned flows, unknown dependencies and cycles, using Kahn's
// algorithm for the topological sort. An empty flow yields an empty DAG.
func ParseDAG(f *Flow) (*DAG, error) {
	if f == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow is nil")
	}
	if f.err != nil {
		return nil, f.err
	}

	dag := &DAG{
		Nodes:   make(map[string]*Node, len(f.nodes)),
		Edges:   make(map[string][]string, len(f.nodes)),
		Reverse: make(map[string][]string, len(f.nodes)),
	}
	for _, id := range f.order {
		dag.Nodes[id] = f.nodes[id]
	}

	for _, id := range f.order {
		n := f.nodes[id]
		deps := make([]string, 0, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"node %s depends on itself", id).WithNode(id)
			}
			if _, ok := dag.Nodes[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"node %s depends on unknown node %s", id, dep).
					WithNode(id).
					WithDetails(map[string]any{"dependency": dep})
			}
			if slices.Contains(deps, dep) {
				continue
			}
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	inDegree := make(map[string]int, len(dag.Nodes))
	queue := make([]string, 0)
	for id := range dag.Nodes {
		inDegree[id] = len(dag.Edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)
	dag.Roots = slices.Clone(queue)

	sorted := make([]string, 0, len(dag.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		dependents := slices.Clone(dag.Reverse[id])
		slices.Sort(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Nodes) {
		remaining := make([]string, 0, len(dag.Nodes)-len(sorted))
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		slices.Sort(remaining)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"flow %s contains a cycle", f.name).
			WithDetails(map[string]any{"nodes": remaining})
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)
	return dag, nil
}

// Descendants returns every node reachable from id through dependent edges, sorted.
func (d *DAG) Descendants(id string) []string {
	seen := make(map[string]bool)
	stack := slices.Clone(d.Reverse[id])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, d.Reverse[n]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// computeLevels groups nodes by depth: a node sits one level below its deepest dependency.
func computeLevels(dag *DAG) [][]string {
	if len(dag.Sorted) == 0 {
		return nil
	}
	depth := make(map[string]int, len(dag.Sorted))
	maxLevel := 0
	for _, id := range dag.Sorted {
		d := 0
		for _, dep := range dag.Edges[id] {
			d = max(d, depth[dep]+1)
		}
		depth[id] = d
		maxLevel = max(maxLevel, d)
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}
