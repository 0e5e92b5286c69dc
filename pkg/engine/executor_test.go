package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
	"github.com/rendis/flowrun/pkg/store"
)

func newTestExecutor(obs ...Observer) *Executor {
	return NewExecutor(ExecutorConfig{Logger: quietLogger(), Observers: obs})
}

// timeline stamps node starts and ends with a global sequence number.
type timeline struct {
	mu    sync.Mutex
	seq   int
	start map[string]int
	end   map[string]int
}

func newTimeline() *timeline {
	return &timeline{start: make(map[string]int), end: make(map[string]int)}
}

func (tl *timeline) stamp(m map[string]int, id string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.seq++
	m[id] = tl.seq
}

func (tl *timeline) wrap(id string, fn TaskFunc) TaskFunc {
	return func(c *Context) error {
		tl.stamp(tl.start, id)
		defer tl.stamp(tl.end, id)
		if fn == nil {
			return nil
		}
		return fn(c)
	}
}

func (tl *timeline) started(id string) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	_, ok := tl.start[id]
	return ok
}

// assertCausalOrder checks that every started node started after all its
// dependencies ended.
func (tl *timeline) assertCausalOrder(t *testing.T, f *Flow) {
	t.Helper()
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for _, n := range f.Nodes() {
		s, ok := tl.start[n.ID]
		if !ok {
			continue
		}
		for _, dep := range n.DependsOn {
			e, done := tl.end[dep]
			require.True(t, done, "%s started before %s finished", n.ID, dep)
			assert.Greater(t, s, e, "%s started before %s finished", n.ID, dep)
		}
	}
}

// batchFlow builds prepare → build{A,B} → price{A,B} → diff → notify.
func batchFlow(t *testing.T, st store.Store, tl *timeline, failing string) *Flow {
	t.Helper()
	f := NewFlow("batch", st)
	add := func(id string, fn TaskFunc, deps ...string) {
		if id == failing {
			fn = func(*Context) error { return errors.New(id + " exploded") }
		}
		require.NoError(t, f.Task(id, tl.wrap(id, fn), DependsOn(deps...)))
	}
	add("prepare", func(c *Context) error {
		c.Push(map[string]any{"run_types": []string{"A", "B"}})
		return nil
	})
	add("buildA", nil, "prepare")
	add("buildB", nil, "prepare")
	add("priceA", func(c *Context) error { c.Push(map[string]any{"price.A": 10.0}); return nil }, "buildA")
	add("priceB", func(c *Context) error { c.Push(map[string]any{"price.B": 12.0}); return nil }, "buildB")
	add("diff", func(c *Context) error {
		statuses, err := st.LoadRun(c, "batch", c.RunID())
		if err != nil {
			return err
		}
		if statuses["priceA"] != schema.StatusSucceeded || statuses["priceB"] != schema.StatusSucceeded {
			return errors.New("diff started before pricing finished")
		}
		a, _ := Read[float64](c, "price.A")
		b, _ := Read[float64](c, "price.B")
		c.Push(map[string]any{"diff": b - a})
		c.Logf("diff computed: %.1f", b-a)
		return nil
	}, "priceA", "priceB")
	add("notify", nil, "diff")
	return f
}

func TestRun_BatchScenarioSucceeds(t *testing.T) {
	st := store.NewMemoryStore()
	tl := newTimeline()
	f := batchFlow(t, st, tl, "")

	res, err := newTestExecutor().Run(context.Background(), f)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, schema.StatusSucceeded, res.Status)
	assert.True(t, res.Succeeded())
	for id, n := range res.Nodes {
		assert.Equal(t, schema.StatusSucceeded, n.Status, id)
		assert.Equal(t, 1, n.Attempts, id)
	}

	tl.assertCausalOrder(t, f)
	for id, s := range tl.start {
		if id != "notify" {
			assert.Less(t, s, tl.start["notify"], "notify must start last")
		}
	}

	assert.Equal(t, 2.0, res.State["diff"])
	logs := res.Logs("diff")
	require.Len(t, logs, 1)
	assert.Equal(t, "diff computed: 2.0", logs[0].Message)
	assert.Equal(t, []string{"prepare", "buildA", "buildB", "priceA", "priceB", "diff", "notify"}, res.Order)

	statuses, err := st.LoadRun(context.Background(), "batch", res.RunID)
	require.NoError(t, err)
	assert.Len(t, statuses, 7)
	run, err := st.LoadNode(context.Background(), store.RunKey("batch", res.RunID))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, run.Status())
}

func TestRun_BatchScenarioBuildFails(t *testing.T) {
	st := store.NewMemoryStore()
	tl := newTimeline()
	f := batchFlow(t, st, tl, "buildA")

	res, err := newTestExecutor().Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, res.Status)

	want := map[string]schema.Status{
		"prepare": schema.StatusSucceeded,
		"buildA":  schema.StatusFailed,
		"priceA":  schema.StatusSkipped,
		"buildB":  schema.StatusSucceeded,
		"priceB":  schema.StatusSucceeded,
		"diff":    schema.StatusSkipped,
		"notify":  schema.StatusSkipped,
	}
	for id, s := range want {
		assert.Equal(t, s, res.Nodes[id].Status, id)
	}
	assert.Equal(t, []string{"buildA"}, res.Failed())
	assert.Equal(t, []string{"priceA", "diff", "notify"}, res.Skipped())
	assert.Equal(t, "buildA", res.Nodes["diff"].SkippedBy)

	assert.False(t, tl.started("priceA"))
	assert.False(t, tl.started("diff"))
	assert.False(t, tl.started("notify"))

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, schema.ErrRunFailed)
	assert.ErrorIs(t, res.Err, schema.ErrTaskExecution)
	assert.Contains(t, res.Err.Error(), "1 failed, 3 skipped")

	nodeErr := res.Nodes["buildA"].Err
	var fe *schema.FlowError
	require.ErrorAs(t, nodeErr, &fe)
	assert.Equal(t, "buildA", fe.NodeID)
	assert.EqualError(t, fe.Cause, "buildA exploded")

	// Skipped and failed nodes are visible in the store too.
	statuses, err := st.LoadRun(context.Background(), "batch", res.RunID)
	require.NoError(t, err)
	for id, s := range want {
		assert.Equal(t, s, statuses[id], id)
	}
}

func TestRun_CycleDispatchesNothing(t *testing.T) {
	st := store.NewMemoryStore()
	var calls atomic.Int32
	f := NewFlow("cyclic", st)
	task := func(*Context) error { calls.Add(1); return nil }
	require.NoError(t, f.Task("ok", task))
	require.NoError(t, f.Task("a", task, DependsOn("b")))
	require.NoError(t, f.Task("b", task, DependsOn("a")))

	res, err := newTestExecutor().Run(context.Background(), f, WithRunID("r1"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, schema.ErrCyclicDependency)
	assert.Zero(t, calls.Load())

	_, lerr := st.LoadNode(context.Background(), store.RunKey("cyclic", "r1"))
	assert.ErrorIs(t, lerr, schema.ErrNotFound)
}

func TestRun_DuplicateNodeLeavesFlowUnusable(t *testing.T) {
	f := NewFlow("dup", nil)
	require.NoError(t, f.Task("a", noop))
	require.ErrorIs(t, f.Task("a", noop), schema.ErrDuplicateNode)

	res, err := newTestExecutor().Run(context.Background(), f)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, schema.ErrDuplicateNode)
}

func TestRun_UnknownDependency(t *testing.T) {
	f := NewFlow("unknown", nil)
	require.NoError(t, f.Task("a", noop, DependsOn("nope")))
	_, err := newTestExecutor().Run(context.Background(), f)
	assert.ErrorIs(t, err, schema.ErrUnknownDependency)
}

func TestRun_EmptyFlowSucceeds(t *testing.T) {
	res, err := newTestExecutor().Run(context.Background(), NewFlow("empty", nil))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, res.Status)
	assert.Empty(t, res.Nodes)
	assert.NoError(t, res.Err)
}

func TestRun_PackageLevelRun(t *testing.T) {
	f := NewFlow("pkg", nil)
	require.NoError(t, f.Task("a", noop))
	res, err := Run(context.Background(), f, WithRunID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.RunID)
	assert.True(t, res.Succeeded())
}

func TestRun_SameBranchPushIsLastWriteWins(t *testing.T) {
	f := NewFlow("push", nil)
	require.NoError(t, f.Task("first", func(c *Context) error { c.Push(map[string]any{"k": 1}); return nil }))
	require.NoError(t, f.Task("second", func(c *Context) error { c.Push(map[string]any{"k": 2}); return nil }, DependsOn("first")))

	res, err := newTestExecutor().Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 2, res.State["k"])
}

func TestRun_ConcurrentPushKeepsOneValue(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := NewFlow("race", nil)
		require.NoError(t, f.Task("x", func(c *Context) error { c.Push(map[string]any{"k": "x"}); return nil }))
		require.NoError(t, f.Task("y", func(c *Context) error { c.Push(map[string]any{"k": "y"}); return nil }))

		res, err := newTestExecutor().Run(context.Background(), f)
		require.NoError(t, err)
		assert.Contains(t, []any{"x", "y"}, res.State["k"])
	}
}

func TestRun_InitialState(t *testing.T) {
	f := NewFlow("seeded", nil)
	require.NoError(t, f.Task("read", func(c *Context) error {
		if v, _ := Read[string](c, "library"); v != "v1.2" {
			return errors.New("missing seed")
		}
		return nil
	}))
	res, err := newTestExecutor().Run(context.Background(), f, WithInitialState(map[string]any{"library": "v1.2"}))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
}

func TestRun_LoopClosuresCaptureTheirOwnValues(t *testing.T) {
	f := NewFlow("loop", nil)
	for _, rt := range []string{"FTB", "HPL", "PFT"} {
		require.NoError(t, f.Task("prepare_"+rt, func(c *Context) error {
			c.Push(map[string]any{c.NodeID(): rt})
			return nil
		}))
	}
	res, err := newTestExecutor().Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, "FTB", res.State["prepare_FTB"])
	assert.Equal(t, "HPL", res.State["prepare_HPL"])
	assert.Equal(t, "PFT", res.State["prepare_PFT"])
}

func TestRun_ObserverSeesOrderedTransitions(t *testing.T) {
	rec := &recorder{}
	f := NewFlow("observed", nil)
	require.NoError(t, f.Task("a", func(c *Context) error { c.Log("working"); return nil }))
	require.NoError(t, f.Task("b", noop, DependsOn("a")))

	res, err := newTestExecutor(rec).Run(context.Background(), f)
	require.NoError(t, err)

	path := []schema.Status{schema.StatusReady, schema.StatusRunning, schema.StatusSucceeded}
	assert.Equal(t, path, rec.pathOf(res.RunID, "a"))
	assert.Equal(t, path, rec.pathOf(res.RunID, "b"))
	assert.Equal(t, []schema.Status{schema.StatusRunning, schema.StatusSucceeded}, rec.pathOf(res.RunID, ""))

	evs := rec.events()
	assert.Equal(t, schema.EventRunStarted, evs[0].Type())
	assert.Equal(t, schema.EventRunSucceeded, evs[len(evs)-1].Type())

	logs := rec.logEvents()
	require.Len(t, logs, 1)
	assert.Equal(t, "working", logs[0].Message)
	assert.Equal(t, "a", logs[0].NodeID)
}

func TestRun_StoreFailuresDoNotStopTheRun(t *testing.T) {
	f := NewFlow("flaky-store", failingStore{store.NewMemoryStore()})
	require.NoError(t, f.Task("a", func(c *Context) error { c.Log("hi"); return nil }))
	require.NoError(t, f.Task("b", noop, DependsOn("a")))

	res, err := newTestExecutor().Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, res.Status)
	require.Error(t, res.Err)

	var fe *schema.FlowError
	require.ErrorAs(t, res.Err, &fe)
	assert.Equal(t, schema.ErrCodeStore, fe.Code)
	assert.Len(t, res.Logs("a"), 1)
}

func TestRun_TimeoutFailsWithoutWaiting(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	f := NewFlow("timeout", nil)
	require.NoError(t, f.Task("slow", func(*Context) error { <-block; return nil }, WithTimeout(30*time.Millisecond)))
	require.NoError(t, f.Task("after", noop, DependsOn("slow")))
	require.NoError(t, f.Task("other", noop))

	start := time.Now()
	res, err := newTestExecutor().Run(context.Background(), f)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, schema.StatusFailed, res.Nodes["slow"].Status)
	assert.ErrorIs(t, res.Nodes["slow"].Err, schema.ErrTimeout)
	assert.Equal(t, schema.StatusSkipped, res.Nodes["after"].Status)
	assert.Equal(t, schema.StatusSucceeded, res.Nodes["other"].Status)
}

func TestRun_TimeoutCancelsCooperativeTask(t *testing.T) {
	var sawCancel atomic.Bool
	f := NewFlow("timeout", nil)
	require.NoError(t, f.Task("slow", func(c *Context) error {
		<-c.Done()
		sawCancel.Store(true)
		return c.Err()
	}, WithTimeout(20*time.Millisecond)))

	res, err := newTestExecutor().Run(context.Background(), f)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Nodes["slow"].Err, schema.ErrTimeout)
	assert.Eventually(t, sawCancel.Load, time.Second, time.Millisecond)
}

func TestRun_RetryUntilSuccess(t *testing.T) {
	rec := &recorder{}
	var calls atomic.Int32
	f := NewFlow("retry", nil)
	require.NoError(t, f.Task("flaky", func(*Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRetry(RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond, Backoff: BackoffExponential})))

	res, err := newTestExecutor(rec).Run(context.Background(), f)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, res.Nodes["flaky"].Attempts)

	logs := res.Logs("flaky")
	require.Len(t, logs, 2)
	assert.Contains(t, logs[0].Message, "attempt 1/3 failed")
	assert.Contains(t, logs[1].Message, "attempt 2/3 failed")

	// One running transition across all attempts.
	assert.Equal(t, []schema.Status{schema.StatusReady, schema.StatusRunning, schema.StatusSucceeded},
		rec.pathOf(res.RunID, "flaky"))
	retries := rec.logEvents()
	require.Len(t, retries, 2)
	assert.Equal(t, schema.EventNodeRetrying, retries[0].Type())
	assert.Equal(t, 2, retries[1].Attempt)
}

func TestRun_RetryStopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	f := NewFlow("retry", nil)
	require.NoError(t, f.Task("bad", func(*Context) error {
		calls.Add(1)
		return schema.NewError(schema.ErrCodeValidation, "bad input")
	}, WithRetry(RetryPolicy{MaxAttempts: 5})))

	res, err := newTestExecutor().Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var fe *schema.FlowError
	require.ErrorAs(t, res.Nodes["bad"].Err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Equal(t, "bad", fe.NodeID)
}

func TestRun_PanicIsIsolated(t *testing.T) {
	exec := newTestExecutor()
	f := NewFlow("panic", nil)
	require.NoError(t, f.Task("boom", func(*Context) error { panic("nil image") }))
	require.NoError(t, f.Task("fine", noop))

	res, err := exec.Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, res.Nodes["boom"].Status)
	assert.Equal(t, schema.StatusSucceeded, res.Nodes["fine"].Status)

	var fe *schema.FlowError
	require.ErrorAs(t, res.Nodes["boom"].Err, &fe)
	assert.Equal(t, schema.ErrCodeTaskExecution, fe.Code)
	assert.Contains(t, fe.Message, "nil image")
	assert.NotEmpty(t, fe.Details["stack"])
	assert.Equal(t, int64(1), exec.PoolMetrics().Panics)
}

func TestRun_CancelledRunSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	f := NewFlow("cancel", nil)
	require.NoError(t, f.Task("a", func(c *Context) error {
		close(started)
		<-c.Done()
		return c.Err()
	}))
	require.NoError(t, f.Task("b", noop, DependsOn("a")))
	go func() {
		<-started
		cancel()
	}()

	res, err := newTestExecutor().Run(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Nodes["a"].Err, schema.ErrCancelled)
	assert.Equal(t, schema.StatusSkipped, res.Nodes["b"].Status)
}

func TestRun_AlreadyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	st := store.NewMemoryStore()
	f := NewFlow("cancelled", st)
	require.NoError(t, f.Task("a", func(*Context) error { calls.Add(1); return nil }))

	res, err := newTestExecutor().Run(ctx, f)
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
	assert.Equal(t, schema.StatusFailed, res.Status)
	assert.Equal(t, schema.StatusSkipped, res.Nodes["a"].Status)
	assert.ErrorIs(t, res.Err, schema.ErrCancelled)

	// Final statuses are still persisted.
	statuses, err := st.LoadRun(context.Background(), "cancelled", res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSkipped, statuses["a"])
}

func TestRun_BoundedPoolSerializesTasks(t *testing.T) {
	exec := NewExecutor(ExecutorConfig{PoolSize: 1, Logger: quietLogger()})
	tl := newTimeline()
	f := NewFlow("bounded", nil)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.Task(id, tl.wrap(id, func(*Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		})))
	}

	res, err := exec.Run(context.Background(), f)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())

	// With one slot no two tasks overlap.
	ids := []string{"a", "b", "c"}
	for _, x := range ids {
		for _, y := range ids {
			if x == y {
				continue
			}
			overlap := tl.start[x] < tl.end[y] && tl.start[y] < tl.end[x]
			assert.False(t, overlap, "%s and %s overlapped", x, y)
		}
	}
}

func TestRun_ResumeSkipsSucceededNodes(t *testing.T) {
	st := store.NewMemoryStore()
	exec := newTestExecutor()
	var aCalls atomic.Int32
	var failB atomic.Bool
	failB.Store(true)

	build := func() *Flow {
		f := NewFlow("resumable", st)
		require.NoError(t, f.Task("a", func(c *Context) error {
			aCalls.Add(1)
			c.Log("a ran")
			c.Push(map[string]any{"from_a": "x"})
			return nil
		}))
		require.NoError(t, f.Task("b", func(*Context) error {
			if failB.Load() {
				return errors.New("b down")
			}
			return nil
		}, DependsOn("a")))
		require.NoError(t, f.Task("c", func(c *Context) error {
			if v, _ := Read[string](c, "from_a"); v != "x" {
				return errors.New("state from a is lost")
			}
			return nil
		}, DependsOn("b")))
		return f
	}

	first, err := exec.Run(context.Background(), build(), WithRunID("night-1"))
	require.NoError(t, err)
	require.Equal(t, schema.StatusFailed, first.Status)
	assert.Equal(t, schema.StatusSkipped, first.Nodes["c"].Status)

	failB.Store(false)
	second, err := exec.Run(context.Background(), build(), Resume("night-1"))
	require.NoError(t, err)
	require.NoError(t, second.Err)
	assert.Equal(t, schema.StatusSucceeded, second.Status)
	assert.Equal(t, int32(1), aCalls.Load())

	a := second.Nodes["a"]
	assert.True(t, a.Resumed)
	assert.False(t, a.StartedAt.IsZero())
	require.Len(t, a.Logs, 1)
	assert.Equal(t, "a ran", a.Logs[0].Message)

	b, err := st.LoadNode(context.Background(), store.Key{Flow: "resumable", RunID: "night-1", NodeID: "b"})
	require.NoError(t, err)
	var path []schema.Status
	for _, h := range b.History {
		path = append(path, h.Status)
	}
	assert.Equal(t, []schema.Status{
		schema.StatusReady, schema.StatusRunning, schema.StatusFailed,
		schema.StatusPending,
		schema.StatusReady, schema.StatusRunning, schema.StatusSucceeded,
	}, path)

	run, err := st.LoadNode(context.Background(), store.RunKey("resumable", "night-1"))
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, run.Status())
}

func TestRun_ResumeRequiresRunID(t *testing.T) {
	f := NewFlow("r", nil)
	require.NoError(t, f.Task("a", noop))
	_, err := newTestExecutor().Run(context.Background(), f, Resume(""))
	require.Error(t, err)
}
