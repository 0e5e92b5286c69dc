package panel

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rendis/flowrun/internal/diagram"
	"github.com/rendis/flowrun/pkg/schema"
	"github.com/rendis/flowrun/pkg/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// runView is the body of GET /api/runs/{flow}/{run}.
type runView struct {
	Flow    string                   `json:"flow"`
	RunID   string                   `json:"run_id"`
	Status  schema.Status            `json:"status"`
	History []store.StatusEntry      `json:"history"`
	Nodes   map[string]schema.Status `json:"nodes"`
}

func (s *PanelServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *PanelServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	catalog, ok := s.deps.Store.(store.Catalog)
	if !ok {
		writeError(w, http.StatusNotImplemented, "store cannot list runs")
		return
	}
	limit := queryInt(r, "limit", defaultRunLimit)
	if limit <= 0 || limit > maxRunLimit {
		limit = defaultRunLimit
	}

	runs, err := catalog.ListRuns(r.Context(), store.RunFilter{Flow: r.URL.Query().Get("flow"), Limit: limit})
	if err != nil {
		s.deps.Logger.Error("list runs failed", "error", err)
		writeFlowError(w, err)
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *PanelServer) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flow, runID := r.PathValue("flow"), r.PathValue("run")

	nodes, err := s.deps.Store.LoadRun(ctx, flow, runID)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	view := runView{Flow: flow, RunID: runID, Status: schema.StatusPending, Nodes: nodes}
	rec, err := s.deps.Store.LoadNode(ctx, store.RunKey(flow, runID))
	switch {
	case err == nil:
		view.Status = rec.Status()
		view.History = rec.History
	case errors.Is(err, schema.ErrNotFound):
		if len(nodes) == 0 {
			writeFlowError(w, err)
			return
		}
	default:
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *PanelServer) handleNode(w http.ResponseWriter, r *http.Request) {
	key := store.Key{Flow: r.PathValue("flow"), RunID: r.PathValue("run"), NodeID: r.PathValue("node")}
	rec, err := s.deps.Store.LoadNode(r.Context(), key)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     rec.Key,
		"status":  rec.Status(),
		"history": rec.History,
		"logs":    rec.Logs,
	})
}

// handleDiagram renders the flow of a run with its stored statuses.
// format is mermaid (default), ascii or png.
func (s *PanelServer) handleDiagram(w http.ResponseWriter, r *http.Request) {
	if s.deps.Flows == nil {
		writeError(w, http.StatusNotImplemented, "no flow definitions registered")
		return
	}
	ctx := r.Context()
	name, runID := r.PathValue("flow"), r.PathValue("run")
	f, ok := s.deps.Flows(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("flow %q is not registered", name))
		return
	}

	opts := []diagram.Option{diagram.WithStore(ctx, s.deps.Store, runID)}
	if s.deps.Subflows != nil {
		opts = append(opts, diagram.WithSubflows(s.deps.Subflows))
	}
	model, err := diagram.Build(f, opts...)
	if err != nil {
		s.deps.Logger.Error("build diagram failed", "flow", name, "run_id", runID, "error", err)
		writeFlowError(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderASCII(model))
	case "png":
		img, err := diagram.RenderImage(ctx, model)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

func (s *PanelServer) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusNotImplemented, "scheduler is not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Jobs.Jobs()})
}
