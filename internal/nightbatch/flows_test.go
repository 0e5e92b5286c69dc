package nightbatch

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/internal/notify"
	"github.com/rendis/flowrun/pkg/engine"
	"github.com/rendis/flowrun/pkg/schema"
	"github.com/rendis/flowrun/pkg/store"
)

func testParams() *Params {
	return &Params{
		RunTypes:  []RunType{{Type: "ftb"}, {Type: "hpl"}},
		Libraries: []Library{{Version: "1.2", Branch: "release/1.2"}, {Version: "1.3"}},
	}
}

type harness struct {
	workers  *SimulatedWorkers
	notifier *notify.MemoryNotifier
	store    *store.MemoryStore
	exec     *engine.Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := engine.NewExecutor(engine.ExecutorConfig{PoolSize: 4, Logger: logger})
	t.Cleanup(exec.Shutdown)
	return &harness{
		workers:  &SimulatedWorkers{},
		notifier: &notify.MemoryNotifier{},
		store:    store.NewMemoryStore(),
		exec:     exec,
	}
}

func (h *harness) batch(opts ...Option) *Batch {
	base := []Option{WithWorkers(h.workers), WithNotifier(h.notifier), WithStore(h.store)}
	return New(testParams(), append(base, opts...)...)
}

func (h *harness) run(t *testing.T, b *Batch, opts ...engine.RunOption) *engine.RunResult {
	t.Helper()
	f, err := b.NightBatchFlow()
	require.NoError(t, err)
	res, err := h.exec.Run(context.Background(), f, opts...)
	require.NoError(t, err)
	return res
}

func countCalls(calls []string, op string) int {
	n := 0
	for _, c := range calls {
		if c == op {
			n++
		}
	}
	return n
}

func TestNightBatchFlowShape(t *testing.T) {
	b := New(testParams())
	f, err := b.NightBatchFlow()
	require.NoError(t, err)
	assert.Equal(t, BatchFlowName, f.Name())

	dag, err := engine.ParseDAG(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"prepare_batch_data"}, dag.Roots)
	assert.ElementsMatch(t, []string{"run_ftb_flow", "run_hpl_flow"}, dag.Edges["notify_batch_complete"])

	n, ok := f.Node("run_hpl_flow")
	require.True(t, ok)
	assert.Equal(t, "Run HPL Flow", n.Name)
	assert.Equal(t, engine.KindSubflow, n.Kind)
	assert.Equal(t, []string{"prepare_batch_data"}, n.DependsOn)
}

func TestRunTypeFlowShape(t *testing.T) {
	b := New(testParams())
	f, err := b.RunTypeFlow("ftb")
	require.NoError(t, err)
	assert.Equal(t, "ftb_flow", f.Name())

	names := map[string]string{
		"prepare_ftb_data":    "Prepare FTB Data",
		"build_ftb_1.2_image": "Build FTB v1.2 Image",
		"build_ftb_1.3_image": "Build FTB v1.3 Image",
		"run_ftb_1.2_pricing": "Run FTB v1.2 Pricing",
		"run_ftb_1.3_pricing": "Run FTB v1.3 Pricing",
		"calculate_ftb_diff":  "Calculate FTB Differences",
		"notify_ftb_complete": "Notify FTB Complete",
	}
	for id, name := range names {
		n, ok := f.Node(id)
		require.True(t, ok, id)
		assert.Equal(t, name, n.Name, id)
	}

	build, _ := f.Node("build_ftb_1.3_image")
	assert.Equal(t, Library{Version: "1.3"}, build.Params)
	assert.Equal(t, []string{"prepare_ftb_data"}, build.DependsOn)

	price, _ := f.Node("run_ftb_1.3_pricing")
	assert.Equal(t, []string{"build_ftb_1.3_image"}, price.DependsOn)

	diff, _ := f.Node("calculate_ftb_diff")
	assert.Equal(t, []string{"run_ftb_1.2_pricing", "run_ftb_1.3_pricing"}, diff.DependsOn)
}

func TestClosuresCaptureTheirIteration(t *testing.T) {
	b := New(testParams())
	top, err := b.NightBatchFlow()
	require.NoError(t, err)

	hpl, _ := top.Node("run_hpl_flow")
	rt, err := b.Resolve(hpl)
	require.NoError(t, err)
	assert.Equal(t, "hpl_flow", rt.Name())

	for _, v := range []string{"1.2", "1.3"} {
		build, ok := rt.Node("build_hpl_" + v + "_image")
		require.True(t, ok)
		img, err := b.Resolve(build)
		require.NoError(t, err)
		assert.Equal(t, "firebird_image_hpl_"+v, img.Name())

		price, _ := rt.Node("run_hpl_" + v + "_pricing")
		pf, err := b.Resolve(price)
		require.NoError(t, err)
		assert.Equal(t, "pricing_hpl_"+v, pf.Name())
	}

	unknown, err := b.Resolve(&engine.Node{ID: "nope"})
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

func TestLookup(t *testing.T) {
	b := New(testParams())
	for _, name := range []string{BatchFlowName, "ftb_flow", "firebird_image_hpl_1.3", "pricing_ftb_1.2"} {
		f, ok := b.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, name, f.Name())
	}
	_, ok := b.Lookup("xyz_flow")
	assert.False(t, ok)
}

func TestNightBatchRuns(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, h.batch(), engine.WithRunID("night-1"))
	require.Equal(t, schema.StatusSucceeded, res.Status, "%v", res.Err)

	calls := h.workers.Calls()
	for _, rt := range []string{"ftb", "hpl"} {
		for _, v := range []string{"1.2", "1.3"} {
			assert.Equal(t, 1, countCalls(calls, "build:"+rt+":"+v))
			assert.Equal(t, 1, countCalls(calls, "price:"+rt+":"+v))
		}
		assert.Equal(t, 1, countCalls(calls, "diff:"+rt))
	}

	var image Image
	require.NoError(t, convert(res.State["images.hpl.1.3"], &image))
	assert.Equal(t, "hpl", image.RunType)
	assert.Equal(t, "1.3", image.Version)
	assert.Equal(t, "registry.local/firebird/base:main", image.Base)

	var report DiffReport
	require.NoError(t, convert(res.State["diff.ftb"], &report))
	assert.Equal(t, "1.2", report.Baseline)
	require.Len(t, report.Deltas, 2)
	assert.Zero(t, report.Deltas[0].Delta)

	rtRun := res.Nodes["run_ftb_flow"].Subrun
	require.NotNil(t, rtRun)
	assert.Equal(t, "night-1/run_ftb_flow", rtRun.RunID)
	imgRun := rtRun.Nodes["build_ftb_1.2_image"].Subrun
	require.NotNil(t, imgRun)
	assert.Equal(t, "firebird_image_ftb_1.2", imgRun.Flow)
	assert.Equal(t, []string{"resolve_base", "build_image", "verify_image"}, imgRun.Order)

	msgs := h.notifier.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, notify.TypeBatchCompleted, msgs[2].Type)
	types := []notify.MessageType{msgs[0].Type, msgs[1].Type}
	assert.Equal(t, []notify.MessageType{notify.TypeRunTypeCompleted, notify.TypeRunTypeCompleted}, types)
}

func TestNightBatchPersistsNestedRuns(t *testing.T) {
	h := newHarness(t)
	h.run(t, h.batch(), engine.WithRunID("night-2"))

	statuses, err := h.store.LoadRun(context.Background(), "pricing_hpl_1.2", "night-2/run_hpl_flow/run_hpl_1.2_pricing")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSucceeded, statuses["publish_results"])

	rec, err := h.store.LoadNode(context.Background(), store.Key{Flow: BatchFlowName, RunID: "night-2", NodeID: "prepare_batch_data"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.Logs)
	assert.Equal(t, "Preparing night batch data", rec.Logs[0].Message)
}

func TestPricingFailureSkipsBatchNotification(t *testing.T) {
	h := newHarness(t)
	h.workers.Fail("price:hpl:1.3", -1)

	res := h.run(t, h.batch(), engine.WithRunID("night-3"))
	assert.Equal(t, schema.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, schema.ErrRunFailed)
	assert.Equal(t, []string{"run_hpl_flow"}, res.Failed())
	assert.Equal(t, []string{"notify_batch_complete"}, res.Skipped())
	assert.Equal(t, schema.StatusSucceeded, res.Nodes["run_ftb_flow"].Status)

	hpl := res.Nodes["run_hpl_flow"].Subrun
	require.NotNil(t, hpl)
	assert.Equal(t, []string{"run_hpl_1.3_pricing"}, hpl.Failed())
	assert.ElementsMatch(t, []string{"calculate_hpl_diff", "notify_hpl_complete"}, hpl.Skipped())
	assert.Equal(t, schema.StatusSucceeded, hpl.Nodes["run_hpl_1.2_pricing"].Status)

	msgs := h.notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.TypeRunTypeCompleted, msgs[0].Type)
	assert.Equal(t, "ftb", msgs[0].Payload.(map[string]any)["run_type"])
}

func TestBuildRetry(t *testing.T) {
	h := newHarness(t)
	h.workers.Fail("build:ftb:1.2", 1)

	res := h.run(t, h.batch(WithBuildRetry(engine.RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond})))
	require.Equal(t, schema.StatusSucceeded, res.Status, "%v", res.Err)
	assert.Equal(t, 2, countCalls(h.workers.Calls(), "build:ftb:1.2"))

	img := res.Nodes["run_ftb_flow"].Subrun.Nodes["build_ftb_1.2_image"].Subrun
	assert.Equal(t, 2, img.Nodes["build_image"].Attempts)
}

func TestPricingTimeout(t *testing.T) {
	h := newHarness(t)
	h.workers.Latency = 50 * time.Millisecond

	res := h.run(t, h.batch(WithPricingTimeout(5*time.Millisecond)))
	assert.Equal(t, schema.StatusFailed, res.Status)

	pricing := res.Nodes["run_ftb_flow"].Subrun.Nodes["run_ftb_1.2_pricing"].Subrun
	require.NotNil(t, pricing)
	assert.ErrorIs(t, pricing.Nodes["run_pricing"].Err, schema.ErrTimeout)
}

func TestResumeRerunsOnlyUnfinishedWork(t *testing.T) {
	h := newHarness(t)
	h.workers.Fail("price:ftb:1.3", -1)

	first := h.run(t, h.batch(), engine.WithRunID("night-4"))
	require.Equal(t, schema.StatusFailed, first.Status)

	h.workers.Fail("price:ftb:1.3", 0)
	second := h.run(t, h.batch(), engine.Resume("night-4"))
	require.Equal(t, schema.StatusSucceeded, second.Status, "%v", second.Err)

	assert.True(t, second.Nodes["prepare_batch_data"].Resumed)
	assert.True(t, second.Nodes["run_hpl_flow"].Resumed)
	assert.False(t, second.Nodes["run_ftb_flow"].Resumed)

	calls := h.workers.Calls()
	assert.Equal(t, 1, countCalls(calls, "build:ftb:1.3"))
	assert.Equal(t, 1, countCalls(calls, "price:ftb:1.2"))
	assert.Equal(t, 2, countCalls(calls, "price:ftb:1.3"))
	assert.Equal(t, 1, countCalls(calls, "diff:hpl"))

	msgs := h.notifier.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, notify.TypeBatchCompleted, last.Type)
	diffs := last.Payload.(map[string]any)["diffs"].([]any)
	assert.Len(t, diffs, 2, "the hpl diff is restored from the first attempt")
}

type failingNotifier struct{}

func (failingNotifier) Publish(context.Context, notify.Message) error {
	return assert.AnError
}

func TestNotificationFailureFailsNode(t *testing.T) {
	h := newHarness(t)
	b := New(testParams(), WithWorkers(h.workers), WithNotifier(failingNotifier{}), WithStore(h.store),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	res := h.run(t, b)
	assert.Equal(t, schema.StatusFailed, res.Status)
	ftb := res.Nodes["run_ftb_flow"].Subrun
	assert.True(t, slices.Contains(ftb.Failed(), "notify_ftb_complete"))
}

func TestDiffResults(t *testing.T) {
	report := DiffResults("ftb", []PricingResult{
		{Version: "1.2", Total: 100},
		{Version: "1.3", Total: 90.5},
		{Version: "1.4", Total: 101},
	})
	assert.Equal(t, "1.2", report.Baseline)
	assert.Equal(t, -9.5, report.MaxDelta)
	assert.Equal(t, 1.0, report.Deltas[2].Delta)

	empty := DiffResults("ftb", nil)
	assert.Empty(t, empty.Deltas)
	assert.Empty(t, empty.Baseline)
}
