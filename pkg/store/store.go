package store

import (
	"context"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// Key addresses one record: a node of a run, or the run itself when NodeID is empty.
type Key struct {
	Flow   string `json:"flow"`
	RunID  string `json:"run_id"`
	NodeID string `json:"node_id,omitempty"`
}

// RunKey returns the key of the run-level record.
func RunKey(flow, runID string) Key {
	return Key{Flow: flow, RunID: runID}
}

// IsRun reports whether k addresses the run-level record.
func (k Key) IsRun() bool { return k.NodeID == "" }

// StatusEntry is one recorded status transition.
type StatusEntry struct {
	Status schema.Status `json:"status"`
	At     time.Time     `json:"at"`
}

// LogEntry is one log line emitted by a node.
type LogEntry struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// NodeRecord is everything stored for one key, in insertion order.
type NodeRecord struct {
	Key     Key           `json:"key"`
	History []StatusEntry `json:"history"`
	Logs    []LogEntry    `json:"logs"`
}

// Status returns the latest recorded status, or pending when nothing was recorded.
func (r *NodeRecord) Status() schema.Status {
	if r == nil || len(r.History) == 0 {
		return schema.StatusPending
	}
	return r.History[len(r.History)-1].Status
}

// Store persists run and node progress.
// Implementations must be safe for concurrent use.
type Store interface {
	// RecordStatus appends a status transition for key.
	RecordStatus(ctx context.Context, key Key, status schema.Status, at time.Time) error
	// AppendLog appends a log line for key. Lines for one key keep their order.
	AppendLog(ctx context.Context, key Key, message string, at time.Time) error
	// LoadRun returns the latest status of every node of a run.
	// An unknown run yields an empty map.
	LoadRun(ctx context.Context, flow, runID string) (map[string]schema.Status, error)
	// LoadNode returns the full record of key, or a NOT_FOUND error.
	LoadNode(ctx context.Context, key Key) (*NodeRecord, error)
}

// RunSummary describes one run as seen from its run-level record.
type RunSummary struct {
	Flow      string        `json:"flow"`
	RunID     string        `json:"run_id"`
	Status    schema.Status `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Flow  string
	Limit int
}

// Catalog is implemented by stores that can enumerate runs.
type Catalog interface {
	ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error)
}

// StateStore is implemented by stores that can persist the shared run state,
// which lets a resumed run see what earlier nodes pushed.
type StateStore interface {
	SaveState(ctx context.Context, flow, runID string, state map[string]any) error
	LoadState(ctx context.Context, flow, runID string) (map[string]any, error)
}
