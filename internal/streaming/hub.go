package streaming

import (
	"context"
	"strings"
	"time"
)

// StreamEvent is a real-time event emitted while a flow runs.
type StreamEvent struct {
	Flow      string    `json:"flow"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id,omitempty"`
	EventType string    `json:"event_type"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	ElapsedMs int64     `json:"elapsed_ms,omitempty"`
	At        time.Time `json:"at"`
}

// EventFilter specifies which events a subscriber wants to receive.
// RunID also matches the nested runs of that run ("<run>/<node>").
type EventFilter struct {
	Flow       string   `json:"flow,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

func (f EventFilter) match(e StreamEvent) bool {
	if f.Flow != "" && f.Flow != e.Flow {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID && !strings.HasPrefix(e.RunID, f.RunID+"/") {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}
