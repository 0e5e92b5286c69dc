package nightbatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rendis/flowrun/internal/notify"
	"github.com/rendis/flowrun/pkg/engine"
	"github.com/rendis/flowrun/pkg/schema"
	"github.com/rendis/flowrun/pkg/store"
)

// BatchFlowName is the name of the top-level flow.
const BatchFlowName = "Night Batch Flow"

// DefaultBaseBranch is the image base used when a library names no branch.
const DefaultBaseBranch = "main"

// Option configures a Batch.
type Option func(*Batch)

// WithWorkers replaces the SimulatedWorkers.
func WithWorkers(w Workers) Option {
	return func(b *Batch) { b.workers = w }
}

// WithNotifier sets where completion notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(b *Batch) { b.notifier = n }
}

// WithStore sets the store shared by every flow of the batch.
func WithStore(st store.Store) Option {
	return func(b *Batch) { b.store = st }
}

// WithBuildRetry retries failed image builds.
func WithBuildRetry(p engine.RetryPolicy) Option {
	return func(b *Batch) { b.buildRetry = &p }
}

// WithPricingTimeout bounds each pricing call.
func WithPricingTimeout(d time.Duration) Option {
	return func(b *Batch) { b.pricingTimeout = d }
}

// WithLogger sets the logger for notification failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Batch) { b.logger = l }
}

// Batch builds the flows of one night batch from its Params.
type Batch struct {
	params         Params
	workers        Workers
	notifier       notify.Notifier
	store          store.Store
	buildRetry     *engine.RetryPolicy
	pricingTimeout time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	factories map[string]func() (*engine.Flow, error)
}

// New creates a Batch. Without options it uses SimulatedWorkers, a log
// notifier and an in-memory store.
func New(params *Params, opts ...Option) *Batch {
	b := &Batch{
		params:    *params,
		factories: make(map[string]func() (*engine.Flow, error)),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.workers == nil {
		b.workers = &SimulatedWorkers{}
	}
	if b.notifier == nil {
		b.notifier = notify.NewLogNotifier(b.logger)
	}
	if b.store == nil {
		b.store = store.NewMemoryStore()
	}
	return b
}

// Params returns the batch parameters.
func (b *Batch) Params() Params { return b.params }

// Store returns the store shared by the batch flows.
func (b *Batch) Store() store.Store { return b.store }

// subflow registers factory under the node id, so the diagram resolver can
// rebuild the nested flow without a run, and adds the node to f.
func (b *Batch) subflow(f *engine.Flow, id string, factory func() (*engine.Flow, error), opts ...engine.NodeOption) error {
	b.mu.Lock()
	b.factories[id] = factory
	b.mu.Unlock()
	return f.Subflow(id, func(*engine.Context) (*engine.Flow, error) { return factory() }, opts...)
}

// Resolve returns the nested flow of a subflow node built by this batch.
// It satisfies diagram.SubflowResolver.
func (b *Batch) Resolve(n *engine.Node) (*engine.Flow, error) {
	b.mu.Lock()
	factory, ok := b.factories[n.ID]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return factory()
}

// Lookup builds a flow of this batch by name.
func (b *Batch) Lookup(name string) (*engine.Flow, bool) {
	build := func() (*engine.Flow, error) { return nil, nil }
	switch {
	case name == BatchFlowName:
		build = b.NightBatchFlow
	default:
		for _, rt := range b.params.Types() {
			if name == RunTypeFlowName(rt) {
				build = func() (*engine.Flow, error) { return b.RunTypeFlow(rt) }
			}
			for _, lib := range b.params.Libraries {
				switch name {
				case ImageFlowName(rt, lib.Version):
					build = func() (*engine.Flow, error) { return b.ImageFlow(rt, lib) }
				case PricingFlowName(rt, lib.Version):
					build = func() (*engine.Flow, error) { return b.PricingFlow(rt, lib) }
				}
			}
		}
	}
	f, err := build()
	if err != nil || f == nil {
		return nil, false
	}
	return f, true
}

// RunTypeFlowName is the name of the flow run for one run type.
func RunTypeFlowName(runType string) string { return runType + "_flow" }

// ImageFlowName is the name of the image build flow of one library.
func ImageFlowName(runType, version string) string {
	return fmt.Sprintf("firebird_image_%s_%s", runType, version)
}

// PricingFlowName is the name of the pricing flow of one library.
func PricingFlowName(runType, version string) string {
	return fmt.Sprintf("pricing_%s_%s", runType, version)
}

// Node ids of the run-type flow.
func prepareID(rt string) string { return "prepare_" + rt + "_data" }
func buildID(rt, v string) string { return fmt.Sprintf("build_%s_%s_image", rt, v) }
func pricingID(rt, v string) string { return fmt.Sprintf("run_%s_%s_pricing", rt, v) }
func diffID(rt string) string { return "calculate_" + rt + "_diff" }
func notifyID(rt string) string { return "notify_" + rt + "_complete" }
func runTypeNodeID(rt string) string { return "run_" + rt + "_flow" }
func imageKey(rt, v string) string { return fmt.Sprintf("images.%s.%s", rt, v) }
func pricingKey(rt, v string) string { return fmt.Sprintf("pricing.%s.%s", rt, v) }
func diffKey(rt string) string { return "diff." + rt }
func baseKey(rt, v string) string { return fmt.Sprintf("base.%s.%s", rt, v) }
func inputsKey(rt, v string) string { return fmt.Sprintf("inputs.%s.%s", rt, v) }

// NightBatchFlow builds the top-level flow: prepare, one run-type subflow per
// run type in parallel, then the batch notification.
func (b *Batch) NightBatchFlow() (*engine.Flow, error) {
	f := engine.NewFlow(BatchFlowName, b.store)

	err := f.Task("prepare_batch_data", func(c *engine.Context) error {
		c.Log("Preparing night batch data")
		c.Logf("Run types: %v", b.params.Types())
		c.Logf("Libraries: %v", b.params.Versions())
		c.Push(map[string]any{
			"run_types": b.params.Types(),
			"libraries": b.params.Libraries,
		})
		return nil
	}, engine.WithName("Prepare Batch Data"))
	if err != nil {
		return nil, err
	}

	var runTypeNodes []string
	for _, rt := range b.params.Types() {
		id := runTypeNodeID(rt)
		err := b.subflow(f, id, func() (*engine.Flow, error) { return b.RunTypeFlow(rt) },
			engine.WithName(fmt.Sprintf("Run %s Flow", strings.ToUpper(rt))),
			engine.DependsOn("prepare_batch_data"),
		)
		if err != nil {
			return nil, err
		}
		runTypeNodes = append(runTypeNodes, id)
	}

	err = f.Task("notify_batch_complete", func(c *engine.Context) error {
		c.Log("Night batch processing complete")
		diffs, err := c.Query(`[to_entries[] | select(.key | startswith("diff.")) | .value]`)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"run_id":    c.RunID(),
			"run_types": b.params.Types(),
			"libraries": b.params.Versions(),
			"diffs":     diffs,
		}
		c.Log("Sending batch completion notification")
		return b.publish(c, notify.TypeBatchCompleted, payload)
	}, engine.WithName("Notify Batch Complete"), engine.DependsOn(runTypeNodes...))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// RunTypeFlow builds the flow of one run type: prepare, per library an image
// build then a pricing run, a diff over every pricing result, and a
// notification.
func (b *Batch) RunTypeFlow(rt string) (*engine.Flow, error) {
	f := engine.NewFlow(RunTypeFlowName(rt), b.store)
	upper := strings.ToUpper(rt)
	libs := b.params.Libraries

	err := f.Task(prepareID(rt), func(c *engine.Context) error {
		c.Logf("Preparing data for %s", rt)
		c.Logf("Found %d libraries to process: %v", len(libs), b.params.Versions())
		c.Push(map[string]any{"libraries": libs, "run_type": rt})
		return nil
	}, engine.WithName(fmt.Sprintf("Prepare %s Data", upper)))
	if err != nil {
		return nil, err
	}

	var pricingNodes []string
	for _, lib := range libs {
		build, price := buildID(rt, lib.Version), pricingID(rt, lib.Version)
		err := b.subflow(f, build, func() (*engine.Flow, error) { return b.ImageFlow(rt, lib) },
			engine.WithName(fmt.Sprintf("Build %s v%s Image", upper, lib.Version)),
			engine.WithParams(lib),
			engine.DependsOn(prepareID(rt)),
		)
		if err != nil {
			return nil, err
		}
		err = b.subflow(f, price, func() (*engine.Flow, error) { return b.PricingFlow(rt, lib) },
			engine.WithName(fmt.Sprintf("Run %s v%s Pricing", upper, lib.Version)),
			engine.WithParams(lib),
			engine.DependsOn(build),
		)
		if err != nil {
			return nil, err
		}
		pricingNodes = append(pricingNodes, price)
	}

	err = f.Task(diffID(rt), func(c *engine.Context) error {
		c.Logf("Calculating differences for %s", rt)
		c.Logf("Comparing results from %d pricing flows", len(pricingNodes))

		found, err := c.Query(fmt.Sprintf(`[to_entries[] | select(.key | startswith("pricing.%s.")) | .value]`, rt))
		if err != nil {
			return err
		}
		var byVersion []PricingResult
		if err := convert(found, &byVersion); err != nil {
			return err
		}
		results := orderByVersion(byVersion, libs)
		if len(results) != len(libs) {
			return schema.NewErrorf(schema.ErrCodeTaskExecution, "expected %d pricing results for %s, found %d",
				len(libs), rt, len(results))
		}

		report, err := b.workers.Diff(c, rt, results)
		if err != nil {
			return err
		}
		c.Logf("Baseline %s, max delta %.2f", report.Baseline, report.MaxDelta)
		c.Push(map[string]any{diffKey(rt): report})
		return nil
	}, engine.WithName(fmt.Sprintf("Calculate %s Differences", upper)), engine.DependsOn(pricingNodes...))
	if err != nil {
		return nil, err
	}

	err = f.Task(notifyID(rt), func(c *engine.Context) error {
		c.Logf("Sending notification for %s completion", rt)
		report, _ := c.Get(diffKey(rt))
		return b.publish(c, notify.TypeRunTypeCompleted, map[string]any{
			"run_id":   c.RunID(),
			"run_type": rt,
			"diff":     report,
		})
	}, engine.WithName(fmt.Sprintf("Notify %s Complete", upper)), engine.DependsOn(diffID(rt)))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ImageFlow builds the firebird image of one library.
func (b *Batch) ImageFlow(rt string, lib Library) (*engine.Flow, error) {
	f := engine.NewFlow(ImageFlowName(rt, lib.Version), b.store)
	base, img := baseKey(rt, lib.Version), imageKey(rt, lib.Version)

	err := f.Task("resolve_base", func(c *engine.Context) error {
		branch := lib.Branch
		if branch == "" {
			branch = DefaultBaseBranch
		}
		ref := "registry.local/firebird/base:" + branch
		c.Logf("Using base image %s for %s v%s", ref, rt, lib.Version)
		c.Push(map[string]any{base: ref})
		return nil
	}, engine.WithName("Resolve Base Image"))
	if err != nil {
		return nil, err
	}

	buildOpts := []engine.NodeOption{engine.WithName("Build Image"), engine.DependsOn("resolve_base")}
	if b.buildRetry != nil {
		buildOpts = append(buildOpts, engine.WithRetry(*b.buildRetry))
	}
	err = f.Task("build_image", func(c *engine.Context) error {
		ref, _ := engine.Read[string](c, base)
		image, err := b.workers.BuildImage(c, rt, lib, ref)
		if err != nil {
			return err
		}
		c.Logf("Built %s (%s)", image.Ref, image.Digest)
		c.Push(map[string]any{img: image})
		return nil
	}, buildOpts...)
	if err != nil {
		return nil, err
	}

	err = f.Task("verify_image", func(c *engine.Context) error {
		var image Image
		if err := readState(c, img, &image); err != nil {
			return err
		}
		if image.Digest == "" {
			return schema.NewErrorf(schema.ErrCodeTaskExecution, "image %s has no digest", image.Ref)
		}
		c.Logf("Verified %s", image.Ref)
		return nil
	}, engine.WithName("Verify Image"), engine.DependsOn("build_image"))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// PricingFlow prices one library with the image built for it.
func (b *Batch) PricingFlow(rt string, lib Library) (*engine.Flow, error) {
	f := engine.NewFlow(PricingFlowName(rt, lib.Version), b.store)
	img := imageKey(rt, lib.Version)

	err := f.Task("load_inputs", func(c *engine.Context) error {
		var image Image
		if err := readState(c, img, &image); err != nil {
			return err
		}
		c.Logf("Pricing %s v%s with %s", rt, lib.Version, image.Ref)
		c.Push(map[string]any{inputsKey(rt, lib.Version): image.Ref})
		return nil
	}, engine.WithName("Load Inputs"))
	if err != nil {
		return nil, err
	}

	priceOpts := []engine.NodeOption{engine.WithName("Run Pricing"), engine.DependsOn("load_inputs")}
	if b.pricingTimeout > 0 {
		priceOpts = append(priceOpts, engine.WithTimeout(b.pricingTimeout))
	}
	err = f.Task("run_pricing", func(c *engine.Context) error {
		ref, _ := engine.Read[string](c, inputsKey(rt, lib.Version))
		result, err := b.workers.Price(c, rt, lib, ref)
		if err != nil {
			return err
		}
		c.Push(map[string]any{pricingKey(rt, lib.Version): result})
		return nil
	}, priceOpts...)
	if err != nil {
		return nil, err
	}

	err = f.Task("publish_results", func(c *engine.Context) error {
		var result PricingResult
		if err := readState(c, pricingKey(rt, lib.Version), &result); err != nil {
			return err
		}
		c.Logf("Priced %d trades, total %.2f", result.Trades, result.Total)
		return nil
	}, engine.WithName("Publish Results"), engine.DependsOn("run_pricing"))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (b *Batch) publish(c *engine.Context, t notify.MessageType, payload any) error {
	if err := b.notifier.Publish(c, notify.NewMessage(t, payload)); err != nil {
		b.logger.ErrorContext(c, "publish notification failed",
			slog.String("type", string(t)),
			slog.String("error", err.Error()),
		)
		return schema.NewErrorf(schema.ErrCodeTaskExecution, "publish %s notification: %v", t, err).WithCause(err)
	}
	return nil
}

// readState decodes the state value under key into out. Values restored from
// a StateStore come back as generic JSON, so both shapes are accepted.
func readState(c *engine.Context, key string, out any) error {
	v, ok := c.Get(key)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "state key %q is missing", key)
	}
	return convert(v, out)
}

func convert(v, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state value: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode state value: %w", err)
	}
	return nil
}

// orderByVersion sorts results into library declaration order.
func orderByVersion(results []PricingResult, libs []Library) []PricingResult {
	byVersion := make(map[string]PricingResult, len(results))
	for _, r := range results {
		byVersion[r.Version] = r
	}
	out := make([]PricingResult, 0, len(libs))
	for _, lib := range libs {
		if r, ok := byVersion[lib.Version]; ok {
			out = append(out, r)
		}
	}
	return out
}
