package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/metrics"
	"github.com/rendis/flowrun/internal/nightbatch"
	"github.com/rendis/flowrun/internal/notify"
	"github.com/rendis/flowrun/internal/panel"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/engine"
	"github.com/rendis/flowrun/pkg/store"
)

// app is the wired process: store, executor with its observers, notifier and
// event hub. close releases everything in reverse order.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    store.Store
	exec     *engine.Executor
	hub      *streaming.MemoryHub
	notifier notify.Notifier
	registry *prometheus.Registry

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: os.Stderr})
	a := &app{
		cfg:      cfg,
		logger:   logger,
		hub:      streaming.NewMemoryHub(256),
		registry: prometheus.NewRegistry(),
	}

	if cfg.Tracing.Enabled {
		shutdown, err := initTracer(logger)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = st
	logger.Info("store opened", slog.String("driver", cfg.Store.Driver))

	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.Notify.AMQPURL, cfg.Notify.Exchange, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.notifier = pub
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	} else {
		a.notifier = notify.NewLogNotifier(logger)
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.exec = engine.NewExecutor(engine.ExecutorConfig{
		PoolSize: cfg.Executor.PoolSize,
		Logger:   logger,
		Observers: []engine.Observer{
			metrics.NewObserver(a.registry),
			streaming.NewObserver(a.hub, logger),
		},
	})
	metrics.RegisterPool(a.registry, a.exec)
	a.closers = append(a.closers, func(context.Context) error {
		a.exec.Shutdown()
		return nil
	})
	return a, nil
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "libsql":
		st, err := store.NewLibSQLStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate libsql store: %w", err)
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgresStore(ctx, cfg.DSN, store.PostgresOptions{})
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// batch loads params from path, falling back to batch.params.
func (a *app) batch(path string) (*nightbatch.Batch, error) {
	if path == "" {
		path = a.cfg.Batch.Params
	}
	if path == "" {
		return nil, errors.New("no params file: pass --params or set batch.params")
	}
	params, err := nightbatch.LoadParams(path)
	if err != nil {
		return nil, err
	}
	return nightbatch.New(params,
		nightbatch.WithStore(a.store),
		nightbatch.WithNotifier(a.notifier),
		nightbatch.WithLogger(a.logger),
		nightbatch.WithBuildRetry(engine.RetryPolicy{
			MaxAttempts: 3,
			Delay:       2 * time.Second,
			Backoff:     engine.BackoffExponential,
			MaxDelay:    30 * time.Second,
		}),
	), nil
}

// runBatch runs the night batch once and publishes its summary.
func (a *app) runBatch(ctx context.Context, b *nightbatch.Batch, runID string, resume bool) (*engine.RunResult, error) {
	f, err := b.NightBatchFlow()
	if err != nil {
		return nil, err
	}

	var opts []engine.RunOption
	switch {
	case resume:
		opts = append(opts, engine.Resume(runID))
	case runID != "":
		opts = append(opts, engine.WithRunID(runID))
	default:
		opts = append(opts, engine.WithRunID(time.Now().UTC().Format("20060102")+"-"+uuid.NewString()[:8]))
	}

	res, err := a.exec.Run(ctx, f, opts...)
	if err != nil {
		return nil, err
	}
	msg := notify.NewMessage(notify.TypeRunFinished, notify.Summarize(res))
	if err := a.notifier.Publish(context.WithoutCancel(ctx), msg); err != nil {
		a.logger.ErrorContext(ctx, "publish run summary failed", slog.String("error", err.Error()))
	}
	return res, nil
}

// panelServer builds the panel handler. jobs may be nil.
func (a *app) panelServer(b *nightbatch.Batch, jobs panel.JobLister) http.Handler {
	deps := panel.PanelDeps{
		Store:    a.store,
		Hub:      a.hub,
		Jobs:     jobs,
		Gatherer: a.registry,
		Logger:   a.logger,
	}
	if b != nil {
		deps.Flows = b.Lookup
		deps.Subflows = b.Resolve
	}
	return panel.NewPanelServer(deps).Handler()
}

// serve runs an HTTP server on addr until ctx is done.
func (a *app) serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("panel listening", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown panel: %w", err)
	}
	return nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", slog.String("error", err.Error()))
		}
	}
	if c, ok := a.store.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("close store failed", slog.String("error", err.Error()))
		}
	}
}
