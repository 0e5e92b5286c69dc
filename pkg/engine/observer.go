package engine

import (
	"context"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// TransitionEvent describes one status change of a node, or of the run when NodeID is empty.
type TransitionEvent struct {
	Flow    string
	RunID   string
	NodeID  string
	From    schema.Status
	To      schema.Status
	At      time.Time
	Elapsed time.Duration // time spent running, set on terminal node transitions
	Err     error
}

// IsRun reports whether the event concerns the run record.
func (e TransitionEvent) IsRun() bool { return e.NodeID == "" }

// Type returns the event type name used on the wire.
func (e TransitionEvent) Type() string {
	if e.IsRun() {
		return schema.RunEventType(e.To)
	}
	if e.From != schema.StatusPending && e.To == schema.StatusPending {
		return schema.EventNodeReset
	}
	return schema.NodeEventType(e.To)
}

// LogEvent is one Context.Log record. Attempt is set on retry notices.
type LogEvent struct {
	Flow    string
	RunID   string
	NodeID  string
	Message string
	At      time.Time
	Attempt int
}

// Type returns the event type name used on the wire.
func (e LogEvent) Type() string {
	if e.Attempt > 0 {
		return schema.EventNodeRetrying
	}
	return schema.EventNodeLog
}

// Observer receives run progress. Calls for one run are serialized and
// delivered in order; implementations must not block.
type Observer interface {
	NodeTransition(ctx context.Context, ev TransitionEvent)
	NodeLog(ctx context.Context, ev LogEvent)
}

type observers []Observer

func (o observers) transition(ctx context.Context, ev TransitionEvent) {
	for _, obs := range o {
		obs.NodeTransition(ctx, ev)
	}
}

func (o observers) log(ctx context.Context, ev LogEvent) {
	for _, obs := range o {
		obs.NodeLog(ctx, ev)
	}
}
