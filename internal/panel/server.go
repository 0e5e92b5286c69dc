// Package panel serves the read-only HTTP view of runs: run and node records,
// live events over SSE, scheduled jobs, diagrams and Prometheus metrics.
package panel

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/flowrun/internal/diagram"
	"github.com/rendis/flowrun/internal/scheduler"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/engine"
	"github.com/rendis/flowrun/pkg/store"
)

// JobLister reports scheduled jobs.
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// FlowLookup returns the definition of a flow by name, for diagrams.
type FlowLookup func(name string) (*engine.Flow, bool)

// PanelDeps holds the dependencies for the panel server. Store is required;
// the rest switch on the routes that need them.
type PanelDeps struct {
	Store    store.Store
	Hub      streaming.EventHub
	Jobs     JobLister
	Flows    FlowLookup
	Subflows diagram.SubflowResolver
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// PanelServer serves the panel API.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{flow}/{run}", s.handleRun)
	mux.HandleFunc("GET /api/runs/{flow}/{run}/nodes/{node}", s.handleNode)
	mux.HandleFunc("GET /api/runs/{flow}/{run}/diagram", s.handleDiagram)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)

	mux.HandleFunc("GET /sse/events", s.handleSSE)

	return s.logRequests(mux)
}

func (s *PanelServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.deps.Logger.Debug("panel request", slog.String("method", r.Method), slog.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}
