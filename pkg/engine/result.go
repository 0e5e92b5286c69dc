package engine

import (
	"slices"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// RunResult is the outcome of one run of a Flow.
type RunResult struct {
	Flow        string                 `json:"flow"`
	RunID       string                 `json:"run_id"`
	Status      schema.Status          `json:"status"`
	Nodes       map[string]*NodeResult `json:"nodes"`
	Order       []string               `json:"order"`
	State       map[string]any         `json:"state,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Err         error                  `json:"-"`
}

// NodeResult is the terminal view of one node.
type NodeResult struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Kind        Kind          `json:"kind"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Status      schema.Status `json:"status"`
	Err         error         `json:"-"`
	SkippedBy   string        `json:"skipped_by,omitempty"` // failed ancestor, empty when skipped by cancellation
	Resumed     bool          `json:"resumed,omitempty"`    // succeeded in an earlier attempt of the run
	Logs        []LogRecord   `json:"logs,omitempty"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	Subrun      *RunResult    `json:"subrun,omitempty"`
}

// Duration returns how long the node ran.
func (n *NodeResult) Duration() time.Duration {
	if n.StartedAt.IsZero() || n.CompletedAt.IsZero() {
		return 0
	}
	return n.CompletedAt.Sub(n.StartedAt)
}

// Succeeded reports whether the whole run succeeded.
func (r *RunResult) Succeeded() bool { return r.Status == schema.StatusSucceeded }

// Failed returns the ids of failed nodes in topological order.
func (r *RunResult) Failed() []string { return r.withStatus(schema.StatusFailed) }

// Skipped returns the ids of skipped nodes in topological order.
func (r *RunResult) Skipped() []string { return r.withStatus(schema.StatusSkipped) }

// Logs returns the log stream of one node.
func (r *RunResult) Logs(nodeID string) []LogRecord {
	if n, ok := r.Nodes[nodeID]; ok {
		return slices.Clone(n.Logs)
	}
	return nil
}

// Duration returns the wall time of the run.
func (r *RunResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

func (r *RunResult) withStatus(s schema.Status) []string {
	var out []string
	for _, id := range r.Order {
		if n := r.Nodes[id]; n != nil && n.Status == s {
			out = append(out, id)
		}
	}
	return out
}
