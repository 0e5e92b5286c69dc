// Package metrics exports engine progress as Prometheus metrics.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/flowrun/pkg/engine"
	"github.com/rendis/flowrun/pkg/schema"
)

const namespace = "flowrun"

// Observer is an engine.Observer that records run and node outcomes.
type Observer struct {
	runsTotal    *prometheus.CounterVec
	runsActive   *prometheus.GaugeVec
	runDuration  *prometheus.HistogramVec
	nodesTotal   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	retriesTotal *prometheus.CounterVec
	logsTotal    *prometheus.CounterVec
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver registers the engine metrics on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Observer{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished flow runs by outcome.",
		}, []string{"flow", "status"}),
		runsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Flow runs currently executing.",
		}, []string{"flow"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished flow runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"flow", "status"}),
		nodesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Nodes that reached a terminal status.",
		}, []string{"flow", "status"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Running time of nodes that finished.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"flow", "status"}),
		retriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Retry attempts scheduled after a node failure.",
		}, []string{"flow"}),
		logsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_logs_total",
			Help:      "Log records appended by nodes.",
		}, []string{"flow"}),
	}
}

func (o *Observer) NodeTransition(_ context.Context, ev engine.TransitionEvent) {
	status := string(ev.To)
	if ev.IsRun() {
		switch {
		case ev.To == schema.StatusRunning:
			o.runsActive.WithLabelValues(ev.Flow).Inc()
		case ev.To.IsTerminal():
			o.runsActive.WithLabelValues(ev.Flow).Dec()
			o.runsTotal.WithLabelValues(ev.Flow, status).Inc()
			o.runDuration.WithLabelValues(ev.Flow, status).Observe(ev.Elapsed.Seconds())
		}
		return
	}
	if !ev.To.IsTerminal() {
		return
	}
	o.nodesTotal.WithLabelValues(ev.Flow, status).Inc()
	// Skipped nodes never ran.
	if ev.Elapsed > 0 {
		o.nodeDuration.WithLabelValues(ev.Flow, status).Observe(ev.Elapsed.Seconds())
	}
}

func (o *Observer) NodeLog(_ context.Context, ev engine.LogEvent) {
	if ev.Attempt > 0 {
		o.retriesTotal.WithLabelValues(ev.Flow).Inc()
		return
	}
	o.logsTotal.WithLabelValues(ev.Flow).Inc()
}

// PoolSource exposes worker pool counters; *engine.Executor satisfies it.
type PoolSource interface {
	PoolMetrics() engine.PoolMetrics
}

// RegisterPool exports the executor's worker pool counters on reg.
func RegisterPool(reg prometheus.Registerer, src PoolSource) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "active",
		Help:      "Node callables holding a worker slot.",
	}, func() float64 { return float64(src.PoolMetrics().Active) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "completed_total",
		Help:      "Callables that returned without error.",
	}, func() float64 { return float64(src.PoolMetrics().Completed) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "failed_total",
		Help:      "Callables that returned an error.",
	}, func() float64 { return float64(src.PoolMetrics().Failed) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "panics_total",
		Help:      "Callables that panicked.",
	}, func() float64 { return float64(src.PoolMetrics().Panics) })
}
