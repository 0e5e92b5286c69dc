package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/flowrun/pkg/engine"
)

// Observer publishes engine progress to a hub.
type Observer struct {
	hub    EventHub
	logger *slog.Logger
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver returns an engine.Observer that forwards to hub.
func NewObserver(hub EventHub, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{hub: hub, logger: logger}
}

func (o *Observer) NodeTransition(ctx context.Context, ev engine.TransitionEvent) {
	se := StreamEvent{
		Flow:      ev.Flow,
		RunID:     ev.RunID,
		NodeID:    ev.NodeID,
		EventType: ev.Type(),
		Status:    string(ev.To),
		ElapsedMs: ev.Elapsed.Milliseconds(),
		At:        ev.At,
	}
	if ev.Err != nil {
		se.Error = ev.Err.Error()
	}
	o.publish(ctx, se)
}

func (o *Observer) NodeLog(ctx context.Context, ev engine.LogEvent) {
	o.publish(ctx, StreamEvent{
		Flow:      ev.Flow,
		RunID:     ev.RunID,
		NodeID:    ev.NodeID,
		EventType: ev.Type(),
		Message:   ev.Message,
		At:        ev.At,
	})
}

func (o *Observer) publish(ctx context.Context, ev StreamEvent) {
	// Run events must reach subscribers even while the run is being cancelled.
	if err := o.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.WarnContext(ctx, "publish stream event failed",
			slog.String("event_type", ev.EventType),
			slog.String("error", err.Error()),
		)
	}
}
