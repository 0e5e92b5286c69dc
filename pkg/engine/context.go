package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
	"github.com/rendis/flowrun/pkg/store"
)

// LogRecord is one line logged by a node through its Context.
type LogRecord struct {
	NodeID  string    `json:"node_id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// runState is the state and log stream shared by every node of one run.
type runState struct {
	flow      string
	runID     string
	store     store.Store
	observers observers
	logger    *slog.Logger
	onErr     func(error)

	stateMu sync.RWMutex
	state   map[string]any
	pushed  map[string]struct{}

	logMu sync.Mutex
	logs  map[string][]LogRecord
}

func newRunState(flow, runID string, st store.Store, obs observers, logger *slog.Logger, onErr func(error)) *runState {
	return &runState{
		flow:      flow,
		runID:     runID,
		store:     st,
		observers: obs,
		logger:    logger,
		onErr:     onErr,
		state:     make(map[string]any),
		pushed:    make(map[string]struct{}),
		logs:      make(map[string][]LogRecord),
	}
}

// seed copies values into the state without marking them as pushed.
func (s *runState) seed(values map[string]any) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	maps.Copy(s.state, values)
}

func (s *runState) push(values map[string]any) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for k, v := range values {
		s.state[k] = v
		s.pushed[k] = struct{}{}
	}
}

func (s *runState) get(key string) (any, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	v, ok := s.state[key]
	return v, ok
}

func (s *runState) snapshot() map[string]any {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return maps.Clone(s.state)
}

// pushedSnapshot returns the current values of every key pushed during the run.
func (s *runState) pushedSnapshot() map[string]any {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make(map[string]any, len(s.pushed))
	for k := range s.pushed {
		out[k] = s.state[k]
	}
	return out
}

func (s *runState) log(ctx context.Context, nodeID, msg string, attempt int) {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	now := time.Now().UTC()
	s.logs[nodeID] = append(s.logs[nodeID], LogRecord{NodeID: nodeID, Message: msg, At: now})

	s.logger.DebugContext(ctx, msg, slog.String("source", "node"))
	key := store.Key{Flow: s.flow, RunID: s.runID, NodeID: nodeID}
	if err := s.store.AppendLog(context.WithoutCancel(ctx), key, msg, now); err != nil {
		s.logger.ErrorContext(ctx, "append log failed", slog.String("error", err.Error()))
		s.onErr(schema.NewErrorf(schema.ErrCodeStore, "append log for node %q: %v", nodeID, err).
			WithNode(nodeID).
			WithCause(err))
	}
	s.observers.log(ctx, LogEvent{
		Flow:    s.flow,
		RunID:   s.runID,
		NodeID:  nodeID,
		Message: msg,
		At:      now,
		Attempt: attempt,
	})
}

// restoreLogs puts records loaded from the store back into the result log stream.
func (s *runState) restoreLogs(nodeID string, entries []store.LogEntry) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	for _, e := range entries {
		s.logs[nodeID] = append(s.logs[nodeID], LogRecord{NodeID: nodeID, Message: e.Message, At: e.At})
	}
}

func (s *runState) nodeLogs(nodeID string) []LogRecord {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return append([]LogRecord(nil), s.logs[nodeID]...)
}

// Context is handed to every Task and Subflow callable of a run.
// It carries the run's shared state and log stream and, through the embedded
// context.Context, the node's cancellation and deadline.
// Push and Log are safe for concurrent use by parallel nodes.
type Context struct {
	context.Context
	run  *runState
	node *Node
}

// Push merges values into the run state. Later pushes overwrite earlier ones
// key by key; nested values are not merged. Pushes made after the node's
// timeout has fired are dropped.
func (c *Context) Push(values map[string]any) {
	if expired(c.Context) {
		return
	}
	c.run.push(values)
}

// Log appends a timestamped record for the current node.
func (c *Context) Log(msg string) {
	c.run.log(c.Context, c.node.ID, msg, 0)
}

// Logf is Log with fmt formatting.
func (c *Context) Logf(format string, args ...any) {
	c.Log(fmt.Sprintf(format, args...))
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	return c.run.get(key)
}

// State returns a shallow copy of the run state.
func (c *Context) State() map[string]any {
	return c.run.snapshot()
}

// Query evaluates a jq expression against a JSON view of the run state.
func (c *Context) Query(expression string) (any, error) {
	return evalJQ(c.Context, expression, c.run.snapshot())
}

// Params returns the value registered with WithParams.
func (c *Context) Params() any { return c.node.Params }

// NodeID returns the id of the running node.
func (c *Context) NodeID() string { return c.node.ID }

// RunID returns the id of the run.
func (c *Context) RunID() string { return c.run.runID }

// FlowName returns the name of the flow being run.
func (c *Context) FlowName() string { return c.run.flow }

// Read returns the value under key converted to T. The bool is false when the
// key is missing or holds a different type.
func Read[T any](c *Context, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
