package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
	"github.com/rendis/flowrun/pkg/store"
)

// runFSM owns the status of every node of one run plus the run record.
// Transitions are validated, persisted, then published, all under one lock,
// so the store and the observers see the same order.
type runFSM struct {
	mu        sync.Mutex
	flow      string
	runID     string
	store     store.Store
	observers observers
	logger    *slog.Logger
	onErr     func(error)

	status    map[string]schema.Status
	started   map[string]time.Time
	completed map[string]time.Time
}

func newRunFSM(flow, runID string, st store.Store, obs observers, logger *slog.Logger, onErr func(error)) *runFSM {
	return &runFSM{
		flow:      flow,
		runID:     runID,
		store:     st,
		observers: obs,
		logger:    logger,
		onErr:     onErr,
		status:    make(map[string]schema.Status),
		started:   make(map[string]time.Time),
		completed: make(map[string]time.Time),
	}
}

// Status returns the current status of a node ("" addresses the run).
func (f *runFSM) Status(nodeID string) schema.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current(nodeID)
}

func (f *runFSM) current(nodeID string) schema.Status {
	if s, ok := f.status[nodeID]; ok {
		return s
	}
	return schema.StatusPending
}

// Times returns when a node started running and when it reached a terminal status.
func (f *runFSM) Times(nodeID string) (started, completed time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[nodeID], f.completed[nodeID]
}

// Transition moves a node to status to. It returns an INVALID_TRANSITION error
// when the move is not allowed from the current status; store failures are
// reported through onErr and do not stop the transition.
func (f *runFSM) Transition(ctx context.Context, nodeID string, to schema.Status, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.current(nodeID)
	table := schema.NodeTransitions
	if nodeID == "" {
		table = schema.RunTransitions
	}
	if !schema.CanTransition(table, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"flow": f.flow, "run_id": f.runID, "from": string(from), "to": string(to)})
	}

	now := time.Now().UTC()
	f.status[nodeID] = to
	var elapsed time.Duration
	switch {
	case to == schema.StatusRunning:
		f.started[nodeID] = now
	case to.IsTerminal():
		f.completed[nodeID] = now
		if s, ok := f.started[nodeID]; ok {
			elapsed = now.Sub(s)
		}
	}

	f.persist(ctx, nodeID, to, now)
	f.logger.DebugContext(ctx, "status transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	f.observers.transition(ctx, TransitionEvent{
		Flow:    f.flow,
		RunID:   f.runID,
		NodeID:  nodeID,
		From:    from,
		To:      to,
		At:      now,
		Elapsed: elapsed,
		Err:     cause,
	})
	return nil
}

// Reset records pending for a node left non-pending by an earlier attempt of the run.
func (f *runFSM) Reset(ctx context.Context, nodeID string, previous schema.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	f.status[nodeID] = schema.StatusPending
	delete(f.started, nodeID)
	delete(f.completed, nodeID)
	f.persist(ctx, nodeID, schema.StatusPending, now)
	f.observers.transition(ctx, TransitionEvent{
		Flow:   f.flow,
		RunID:  f.runID,
		NodeID: nodeID,
		From:   previous,
		To:     schema.StatusPending,
		At:     now,
	})
}

// Seed restores a status reached by an earlier attempt of the run, without recording anything.
func (f *runFSM) Seed(nodeID string, status schema.Status, started, completed time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[nodeID] = status
	if !started.IsZero() {
		f.started[nodeID] = started
	}
	if !completed.IsZero() {
		f.completed[nodeID] = completed
	}
}

func (f *runFSM) persist(ctx context.Context, nodeID string, to schema.Status, at time.Time) {
	key := store.Key{Flow: f.flow, RunID: f.runID, NodeID: nodeID}
	if err := f.store.RecordStatus(context.WithoutCancel(ctx), key, to, at); err != nil {
		f.logger.ErrorContext(ctx, "record status failed",
			slog.String("status", string(to)),
			slog.String("error", err.Error()),
		)
		f.onErr(schema.NewErrorf(schema.ErrCodeStore, "record %s for node %q: %v", to, nodeID, err).
			WithNode(nodeID).
			WithCause(err))
	}
}
