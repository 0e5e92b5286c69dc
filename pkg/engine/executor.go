package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/pkg/schema"
	"github.com/rendis/flowrun/pkg/store"
)

const tracerName = "github.com/rendis/flowrun/pkg/engine"

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize  int // max concurrently executing callables, 0 = unbounded
	Logger    *slog.Logger
	Observers []Observer
	Tracer    trace.Tracer // nil = global otel provider
}

// Executor runs Flows. One Executor may run many flows concurrently; nested
// runs share its worker pool.
type Executor struct {
	pool      *WorkerPool
	logger    *slog.Logger
	observers observers
	tracer    trace.Tracer
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		pool:      NewWorkerPool(cfg.PoolSize),
		logger:    logger,
		observers: observers(slices.Clone(cfg.Observers)),
		tracer:    cfg.Tracer,
	}
}

// PoolMetrics returns a snapshot of the worker pool counters.
func (e *Executor) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Shutdown stops accepting node work and waits for running callables.
func (e *Executor) Shutdown() { e.pool.Shutdown() }

func (e *Executor) getTracer() trace.Tracer {
	if e.tracer != nil {
		return e.tracer
	}
	return otel.Tracer(tracerName)
}

// RunOption configures a single run.
type RunOption func(*runConfig)

type runConfig struct {
	runID   string
	resume  bool
	initial map[string]any
}

// WithRunID sets the run id. A random UUID is used otherwise.
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// Resume continues an earlier run: nodes the store shows as succeeded are
// not run again.
func Resume(runID string) RunOption {
	return func(c *runConfig) {
		c.runID = runID
		c.resume = true
	}
}

// WithInitialState seeds the run state before any node runs.
func WithInitialState(state map[string]any) RunOption {
	return func(c *runConfig) { c.initial = state }
}

var defaultExecutor = sync.OnceValue(func() *Executor {
	return NewExecutor(ExecutorConfig{})
})

// Run executes f on a shared executor with an unbounded pool.
func Run(ctx context.Context, f *Flow, opts ...RunOption) (*RunResult, error) {
	return defaultExecutor().Run(ctx, f, opts...)
}

// Run validates f and drives it to completion.
//
// The returned error is non-nil only when the flow cannot run at all
// (duplicate node, unknown dependency, cycle); nothing is executed or
// recorded in that case. Node failures are reported by RunResult.Status and
// RunResult.Err.
func (e *Executor) Run(ctx context.Context, f *Flow, opts ...RunOption) (*RunResult, error) {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	res, _, err := e.run(ctx, f, cfg)
	return res, err
}

func (e *Executor) run(ctx context.Context, f *Flow, cfg runConfig) (*RunResult, *runState, error) {
	dag, err := ParseDAG(f)
	if err != nil {
		return nil, nil, err
	}
	if cfg.resume && cfg.runID == "" {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "resume requires a run id")
	}
	runID := cfg.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	r := &flowRun{
		exec:      e,
		flow:      f,
		dag:       dag,
		runID:     runID,
		resume:    cfg.resume,
		tracer:    e.getTracer(),
		errs:      make(map[string]error),
		skippedBy: make(map[string]string),
		subruns:   make(map[string]*RunResult),
		attempts:  make(map[string]int),
		resumed:   make(map[string]bool),
	}
	r.fsm = newRunFSM(f.name, runID, f.store, e.observers, e.logger, r.addStoreErr)
	r.state = newRunState(f.name, runID, f.store, e.observers, e.logger, r.addStoreErr)
	r.state.seed(cfg.initial)

	ctx = logging.WithNodeID(logging.WithRunID(logging.WithFlowName(ctx, f.name), runID), "")
	ctx, span := r.tracer.Start(ctx, "flowrun.run", trace.WithAttributes(
		attribute.String("flowrun.flow", f.name),
		attribute.String("flowrun.run_id", runID),
		attribute.Int("flowrun.nodes", len(dag.Sorted)),
		attribute.Bool("flowrun.resume", cfg.resume),
	))
	defer span.End()

	startedAt := time.Now().UTC()
	if cfg.resume {
		r.prepareResume(ctx)
	}
	if err := r.fsm.Transition(ctx, "", schema.StatusRunning, nil); err != nil {
		e.logger.WarnContext(ctx, "run record transition rejected", slog.String("error", err.Error()))
	}
	e.logger.InfoContext(ctx, "run started",
		slog.Int("nodes", len(dag.Sorted)),
		slog.Bool("resume", cfg.resume),
	)

	r.schedule(ctx)
	res := r.finish(ctx, startedAt)

	if res.Succeeded() {
		span.SetStatus(codes.Ok, "")
		e.logger.InfoContext(ctx, "run succeeded", slog.Duration("duration", res.Duration()))
	} else {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "run failed")
		e.logger.WarnContext(ctx, "run failed",
			slog.Duration("duration", res.Duration()),
			slog.Any("failed", res.Failed()),
			slog.Any("skipped", res.Skipped()),
		)
	}
	return res, r.state, nil
}

// flowRun is one in-flight execution of a Flow.
type flowRun struct {
	exec   *Executor
	flow   *Flow
	dag    *DAG
	runID  string
	resume bool
	tracer trace.Tracer
	fsm    *runFSM
	state  *runState

	errMu     sync.Mutex
	storeErrs []error

	// mu guards the per-node bookkeeping below.
	mu        sync.Mutex
	errs      map[string]error
	skippedBy map[string]string
	subruns   map[string]*RunResult
	attempts  map[string]int
	resumed   map[string]bool
}

type nodeOutcome struct {
	id  string
	err error
}

func (r *flowRun) addStoreErr(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	r.storeErrs = append(r.storeErrs, err)
}

func (r *flowRun) storeErrors() []error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return slices.Clone(r.storeErrs)
}

func (r *flowRun) nodeCtx(ctx context.Context, id string) context.Context {
	return logging.WithNodeID(ctx, id)
}

func (r *flowRun) nodeContext(ctx context.Context, n *Node) *Context {
	return &Context{Context: ctx, run: r.state, node: n}
}

// prepareResume loads the earlier attempt of this run: succeeded nodes are
// kept, every other recorded node goes back to pending.
func (r *flowRun) prepareResume(ctx context.Context) {
	st := r.flow.store
	prev, err := st.LoadRun(ctx, r.flow.name, r.runID)
	if err != nil {
		r.exec.logger.ErrorContext(ctx, "load run for resume failed", slog.String("error", err.Error()))
		r.addStoreErr(schema.NewErrorf(schema.ErrCodeStore, "load run %s: %v", r.runID, err).WithCause(err))
		prev = nil
	}

	if rec, err := st.LoadNode(ctx, store.RunKey(r.flow.name, r.runID)); err == nil {
		if s := rec.Status(); s != schema.StatusPending {
			r.fsm.Reset(ctx, "", s)
		}
	}

	for _, id := range r.dag.Sorted {
		s, ok := prev[id]
		if !ok || s == schema.StatusPending {
			continue
		}
		nctx := r.nodeCtx(ctx, id)
		if s != schema.StatusSucceeded {
			r.fsm.Reset(nctx, id, s)
			continue
		}

		var started, completed time.Time
		if rec, err := st.LoadNode(ctx, store.Key{Flow: r.flow.name, RunID: r.runID, NodeID: id}); err == nil {
			for _, h := range rec.History {
				switch h.Status {
				case schema.StatusRunning:
					started = h.At
				case schema.StatusSucceeded:
					completed = h.At
				}
			}
			r.state.restoreLogs(id, rec.Logs)
		}
		r.fsm.Seed(id, schema.StatusSucceeded, started, completed)
		r.mu.Lock()
		r.resumed[id] = true
		r.mu.Unlock()
	}

	if ss, ok := st.(store.StateStore); ok {
		saved, err := ss.LoadState(ctx, r.flow.name, r.runID)
		if err != nil {
			r.exec.logger.ErrorContext(ctx, "load state for resume failed", slog.String("error", err.Error()))
			r.addStoreErr(schema.NewErrorf(schema.ErrCodeStore, "load state of run %s: %v", r.runID, err).WithCause(err))
		} else {
			r.state.push(saved)
		}
	}
}

// schedule runs the frontier loop: a node is dispatched as soon as its last
// dependency succeeds, and every completion re-evaluates only its dependents.
func (r *flowRun) schedule(ctx context.Context) {
	waiting := make(map[string]int, len(r.dag.Nodes))
	for id, deps := range r.dag.Edges {
		n := 0
		for _, dep := range deps {
			if r.fsm.Status(dep) != schema.StatusSucceeded {
				n++
			}
		}
		waiting[id] = n
	}

	done := make(chan nodeOutcome, len(r.dag.Nodes))
	inflight := 0
	dispatch := func(id string) {
		if ctx.Err() != nil || r.fsm.Status(id) != schema.StatusPending {
			return
		}
		nctx := r.nodeCtx(ctx, id)
		if err := r.fsm.Transition(nctx, id, schema.StatusReady, nil); err != nil {
			r.exec.logger.WarnContext(nctx, "dispatch rejected", slog.String("error", err.Error()))
			return
		}
		inflight++
		n := r.dag.Nodes[id]
		go func() { done <- r.execute(nctx, n) }()
	}

	for _, id := range r.dag.Sorted {
		if waiting[id] == 0 {
			dispatch(id)
		}
	}

	for inflight > 0 {
		out := <-done
		inflight--
		switch r.settle(ctx, out) {
		case schema.StatusSucceeded:
			dependents := slices.Clone(r.dag.Reverse[out.id])
			slices.Sort(dependents)
			for _, dep := range dependents {
				waiting[dep]--
				if waiting[dep] == 0 {
					dispatch(dep)
				}
			}
		case schema.StatusFailed:
			for _, d := range r.dag.Descendants(out.id) {
				if r.fsm.Status(d) == schema.StatusPending {
					r.skip(ctx, d, out.id)
				}
			}
		}
	}

	// Nothing is in flight: anything still pending can no longer become ready.
	for _, id := range r.dag.Sorted {
		if r.fsm.Status(id) == schema.StatusPending {
			r.skip(ctx, id, "")
		}
	}
}

// settle records the terminal status of a finished node and returns it.
func (r *flowRun) settle(ctx context.Context, out nodeOutcome) schema.Status {
	nctx := r.nodeCtx(ctx, out.id)
	var to schema.Status
	switch r.fsm.Status(out.id) {
	case schema.StatusReady:
		// Never got a worker slot.
		if ctx.Err() != nil {
			to = schema.StatusSkipped
		} else {
			to = schema.StatusFailed
		}
	case schema.StatusRunning:
		if out.err == nil {
			to = schema.StatusSucceeded
		} else {
			to = schema.StatusFailed
		}
	default:
		return r.fsm.Status(out.id)
	}

	if to == schema.StatusFailed && out.err == nil {
		out.err = schema.NewError(schema.ErrCodeTaskExecution, "node did not start").WithNode(out.id)
	}
	var cause error
	if to == schema.StatusFailed {
		cause = out.err
	}
	if err := r.fsm.Transition(nctx, out.id, to, cause); err != nil {
		r.exec.logger.WarnContext(nctx, "settle rejected", slog.String("error", err.Error()))
	}

	switch to {
	case schema.StatusSucceeded:
		r.saveState(nctx)
	case schema.StatusFailed:
		r.mu.Lock()
		r.errs[out.id] = out.err
		r.mu.Unlock()
		r.exec.logger.WarnContext(nctx, "node failed", slog.String("error", out.err.Error()))
	case schema.StatusSkipped:
		r.mu.Lock()
		r.skippedBy[out.id] = ""
		r.mu.Unlock()
	}
	return to
}

func (r *flowRun) skip(ctx context.Context, id, by string) {
	nctx := r.nodeCtx(ctx, id)
	if err := r.fsm.Transition(nctx, id, schema.StatusSkipped, nil); err != nil {
		r.exec.logger.WarnContext(nctx, "skip rejected", slog.String("error", err.Error()))
		return
	}
	r.mu.Lock()
	r.skippedBy[id] = by
	r.mu.Unlock()
	if by != "" {
		r.exec.logger.DebugContext(nctx, "node skipped", slog.String("failed_dependency", by))
	}
}

func (r *flowRun) saveState(ctx context.Context) {
	ss, ok := r.flow.store.(store.StateStore)
	if !ok {
		return
	}
	if err := ss.SaveState(context.WithoutCancel(ctx), r.flow.name, r.runID, r.state.pushedSnapshot()); err != nil {
		r.exec.logger.ErrorContext(ctx, "save state failed", slog.String("error", err.Error()))
		r.addStoreErr(schema.NewErrorf(schema.ErrCodeStore, "save state of run %s: %v", r.runID, err).WithCause(err))
	}
}

func (r *flowRun) markRunning(ctx context.Context, id string) {
	if err := r.fsm.Transition(ctx, id, schema.StatusRunning, nil); err != nil {
		// Retries of a subflow factory land here.
		r.exec.logger.DebugContext(ctx, "running transition ignored", slog.String("error", err.Error()))
	}
}

func (r *flowRun) setAttempts(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[id] = n
}

func (r *flowRun) attemptsOf(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

// execute runs one node to a result. Tasks hold a worker slot for all their
// attempts; subflows hold one only while the factory runs.
func (r *flowRun) execute(ctx context.Context, n *Node) (out nodeOutcome) {
	out.id = n.ID
	ctx, span := r.tracer.Start(ctx, "flowrun.node", trace.WithAttributes(
		attribute.String("flowrun.flow", r.flow.name),
		attribute.String("flowrun.run_id", r.runID),
		attribute.String("flowrun.node", n.ID),
		attribute.String("flowrun.kind", string(n.Kind)),
	))
	defer func() {
		span.SetAttributes(attribute.Int("flowrun.attempts", r.attemptsOf(n.ID)))
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	var err error
	switch n.Kind {
	case KindSubflow:
		// A timed-out nested run finishes on its own; its result is dropped.
		_, err = r.retry(ctx, n, func(actx context.Context, attempt int) error {
			return r.runSubflow(actx, n, attempt)
		})
	default:
		err = r.runTask(ctx, n)
	}
	out.err = wrapNodeError(n.ID, err)
	return out
}

// runTask holds one worker slot across all attempts of a task. When the last
// attempt timed out, the slot is released only once its callable returns.
func (r *flowRun) runTask(ctx context.Context, n *Node) error {
	release, err := r.exec.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	r.markRunning(ctx, n.ID)
	inflight, err := r.retry(ctx, n, func(actx context.Context, _ int) error {
		return wrapNodeError(n.ID, n.task(r.nodeContext(actx, n)))
	})
	if inflight == nil {
		release(err)
		return err
	}
	go func() {
		<-inflight
		release(err)
	}()
	return err
}

// retry runs call until it succeeds or the policy gives up. An attempt that
// timed out is waited for before the next one starts, so attempts of a node
// never overlap. The returned channel is non-nil when the last attempt is
// still running and is closed once it returns.
func (r *flowRun) retry(ctx context.Context, n *Node, call func(context.Context, int) error) (<-chan struct{}, error) {
	limit := n.Retry.attempts()
	for attempt := 1; ; attempt++ {
		r.setAttempts(n.ID, attempt)
		inflight, err := r.withDeadline(ctx, n, func(actx context.Context) error { return call(actx, attempt) })
		if err == nil {
			return nil, nil
		}
		if attempt >= limit || ctx.Err() != nil || !IsRetryableError(err) {
			return inflight, err
		}
		delay := ComputeBackoff(n.Retry, attempt-1)
		r.state.log(ctx, n.ID, fmt.Sprintf("attempt %d/%d failed: %v; retrying in %s", attempt, limit, err, delay), attempt)
		if inflight != nil {
			select {
			case <-inflight:
			case <-ctx.Done():
				return inflight, err
			}
		}
		if WaitForBackoff(ctx, delay) != nil {
			return nil, err
		}
	}
}

// errNodeDeadline is the cancellation cause of a node whose timeout expired.
var errNodeDeadline = errors.New("node deadline exceeded")

// withDeadline applies the node timeout. On expiry the callable's context is
// cancelled and the node fails without waiting for the callable. The returned
// channel then reports when the callable finally returns; whatever it returns
// is discarded.
func (r *flowRun) withDeadline(ctx context.Context, n *Node, call func(context.Context) error) (<-chan struct{}, error) {
	if n.Timeout <= 0 {
		return nil, safeCall(func() error { return call(ctx) })
	}

	dctx, cancel := context.WithTimeoutCause(ctx, n.Timeout, errNodeDeadline)
	defer cancel()

	errc := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		errc <- safeCall(func() error { return call(dctx) })
	}()

	select {
	case err := <-errc:
		// A result racing the deadline counts as late.
		if ctx.Err() == nil && expired(dctx) {
			if err == nil {
				err = context.DeadlineExceeded
			}
			return nil, timeoutError(n).WithCause(err)
		}
		return nil, err
	case <-dctx.Done():
		if ctx.Err() != nil {
			return done, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithNode(n.ID).WithCause(ctx.Err())
		}
		return done, timeoutError(n).WithCause(context.DeadlineExceeded)
	}
}

// expired reports whether ctx belongs to a node attempt whose timeout fired.
func expired(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errNodeDeadline)
}

func timeoutError(n *Node) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeTimeout, "timed out after %s", n.Timeout).
		WithNode(n.ID).
		WithDetails(map[string]any{"timeout": n.Timeout.String()})
}

// runSubflow builds the nested flow and runs it as run <parent>/<node>.
// Keys pushed by the nested run are merged back on success.
func (r *flowRun) runSubflow(ctx context.Context, n *Node, attempt int) error {
	var child *Flow
	err := r.exec.pool.Do(ctx, func() error {
		r.markRunning(ctx, n.ID)
		var ferr error
		child, ferr = n.subflow(r.nodeContext(ctx, n))
		return ferr
	})
	if err != nil {
		return wrapNodeError(n.ID, err)
	}
	if child == nil {
		return schema.NewError(schema.ErrCodeTaskExecution, "subflow callable returned no flow").WithNode(n.ID)
	}

	res, childState, err := r.exec.run(ctx, child, runConfig{
		runID:   r.runID + "/" + n.ID,
		resume:  r.resume || attempt > 1,
		initial: r.state.snapshot(),
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTaskExecution, "nested flow %q is invalid: %v", child.name, err).
			WithNode(n.ID).
			WithCause(err)
	}

	// A nested run that outlived the node's deadline or the parent run is
	// dropped: the node has already failed.
	if ctx.Err() != nil {
		if expired(ctx) {
			return timeoutError(n)
		}
		return wrapNodeError(n.ID, ctx.Err())
	}

	r.mu.Lock()
	r.subruns[n.ID] = res
	r.mu.Unlock()

	if !res.Succeeded() {
		return schema.NewErrorf(schema.ErrCodeTaskExecution, "nested flow %q failed", child.name).
			WithNode(n.ID).
			WithCause(res.Err).
			WithDetails(map[string]any{
				"run_id":  res.RunID,
				"failed":  res.Failed(),
				"skipped": res.Skipped(),
			})
	}
	r.state.push(childState.pushedSnapshot())
	return nil
}

// wrapNodeError normalizes any callable error into a FlowError carrying the node id.
func wrapNodeError(nodeID string, err error) error {
	if err == nil {
		return nil
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.NodeID == nodeID {
			return err
		}
		cp := *fe
		cp.NodeID = nodeID
		return &cp
	}
	switch {
	case errors.Is(err, context.Canceled):
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithNode(nodeID).WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewError(schema.ErrCodeTimeout, "deadline exceeded").WithNode(nodeID).WithCause(err)
	case errors.Is(err, ErrPoolShutdown):
		return schema.NewError(schema.ErrCodeCancelled, "executor shut down").WithNode(nodeID).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeTaskExecution, err.Error()).WithNode(nodeID).WithCause(err)
}

func (r *flowRun) finish(ctx context.Context, startedAt time.Time) *RunResult {
	res := &RunResult{
		Flow:      r.flow.name,
		RunID:     r.runID,
		Nodes:     make(map[string]*NodeResult, len(r.dag.Sorted)),
		Order:     slices.Clone(r.dag.Sorted),
		State:     r.state.snapshot(),
		StartedAt: startedAt,
	}

	var failed, skipped []string
	var causes []error
	r.mu.Lock()
	for _, id := range r.dag.Sorted {
		n := r.dag.Nodes[id]
		started, completed := r.fsm.Times(id)
		nr := &NodeResult{
			ID:          id,
			Name:        n.Name,
			Kind:        n.Kind,
			DependsOn:   slices.Clone(r.dag.Edges[id]),
			Status:      r.fsm.Status(id),
			Err:         r.errs[id],
			SkippedBy:   r.skippedBy[id],
			Resumed:     r.resumed[id],
			Logs:        r.state.nodeLogs(id),
			Attempts:    r.attempts[id],
			StartedAt:   started,
			CompletedAt: completed,
			Subrun:      r.subruns[id],
		}
		switch nr.Status {
		case schema.StatusFailed:
			failed = append(failed, id)
			causes = append(causes, nr.Err)
		case schema.StatusSkipped:
			skipped = append(skipped, id)
		}
		res.Nodes[id] = nr
	}
	r.mu.Unlock()

	var errs []error
	res.Status = schema.StatusSucceeded
	if len(failed) > 0 || len(skipped) > 0 {
		res.Status = schema.StatusFailed
		if len(causes) == 0 && ctx.Err() != nil {
			causes = append(causes, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(ctx.Err()))
		}
		errs = append(errs, schema.NewErrorf(schema.ErrCodeRunFailed,
			"flow %q run %s failed: %d failed, %d skipped", r.flow.name, r.runID, len(failed), len(skipped)).
			WithDetails(map[string]any{"failed": failed, "skipped": skipped}).
			WithCause(errors.Join(causes...)))
	}

	var runCause error
	if len(errs) > 0 {
		runCause = errs[0]
	}
	if err := r.fsm.Transition(ctx, "", res.Status, runCause); err != nil {
		r.exec.logger.WarnContext(ctx, "run record transition rejected", slog.String("error", err.Error()))
	}
	res.CompletedAt = time.Now().UTC()

	errs = append(errs, r.storeErrors()...)
	res.Err = errors.Join(errs...)
	return res
}
