package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowrun/internal/diagram"
	"github.com/rendis/flowrun/internal/nightbatch"
	"github.com/rendis/flowrun/internal/scheduler"
	"github.com/rendis/flowrun/pkg/store"
)

func newRunCmd(g *globals) *cobra.Command {
	var (
		paramsFile string
		runID      string
		resume     string
		graph      string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the night batch once",
		Example: `  nightbatch run --params batch.yaml
  nightbatch run --params batch.yaml --resume 20260310-a1b2c3d4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if resume != "" && runID != "" && resume != runID {
				return errors.New("--resume and --run-id name different runs")
			}
			if graph != "" && graph != "ascii" && graph != "mermaid" {
				return fmt.Errorf("--graph must be ascii or mermaid, got %q", graph)
			}
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				b, err := a.batch(paramsFile)
				if err != nil {
					return err
				}
				id := runID
				if resume != "" {
					id = resume
				}
				res, err := a.runBatch(ctx, b, id, resume != "")
				if err != nil {
					return err
				}

				out := g.out(cmd)
				out.summary(res)
				if graph != "" && !out.jsonMode {
					f, err := b.NightBatchFlow()
					if err != nil {
						return err
					}
					model, err := diagram.Build(f, diagram.WithResult(res))
					if err != nil {
						return err
					}
					fmt.Fprintln(out.w)
					if graph == "mermaid" {
						fmt.Fprint(out.w, diagram.RenderMermaid(model))
					} else {
						fmt.Fprint(out.w, diagram.RenderASCII(model))
					}
				}
				if !res.Succeeded() {
					return fmt.Errorf("run %s finished %s", res.RunID, res.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&paramsFile, "params", "", "batch params file (YAML or JSON)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().StringVar(&resume, "resume", "", "resume this run id, rerunning only unfinished nodes")
	cmd.Flags().StringVar(&graph, "graph", "", "print the run graph after the summary: ascii or mermaid")
	return cmd
}

func newScheduleCmd(g *globals) *cobra.Command {
	var (
		paramsFile string
		cronExpr   string
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the night batch on a cron schedule",
		Long: `Keeps running and fires the batch on every cron match. A firing that is
due while the previous one is still running is skipped. The panel is served
as well when panel.addr is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				b, err := a.batch(paramsFile)
				if err != nil {
					return err
				}
				if cronExpr == "" {
					cronExpr = a.cfg.Batch.Cron
				}

				sched := scheduler.NewScheduler(a.logger)
				err = sched.Add("night_batch", cronExpr, func(ctx context.Context, firedAt time.Time) error {
					runID := firedAt.UTC().Format("20060102-1504")
					res, err := a.runBatch(ctx, b, runID, false)
					if err != nil {
						return err
					}
					if !res.Succeeded() {
						return fmt.Errorf("run %s finished %s", res.RunID, res.Status)
					}
					return nil
				})
				if err != nil {
					return err
				}
				for _, j := range sched.Jobs() {
					a.logger.Info("job scheduled",
						slog.String("job", j.ID),
						slog.String("cron", j.Cron),
						slog.Time("next_run_at", j.NextRunAt))
				}
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer sched.Stop()

				if addr := a.cfg.Panel.Addr; addr != "" {
					return a.serve(ctx, addr, a.panelServer(b, sched))
				}
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&paramsFile, "params", "", "batch params file (YAML or JSON)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression (default batch.cron)")
	return cmd
}

func newGraphCmd(g *globals) *cobra.Command {
	var (
		paramsFile string
		format     string
		outFile    string
		runID      string
		binDir     string
	)
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the night batch flow",
		Long: `Renders the batch flow with every nested flow expanded. With --run-id the
statuses stored for that run are overlaid.`,
		Example: `  nightbatch graph --params batch.yaml
  nightbatch graph --params batch.yaml --format png --out batch.png --run-id 20260310-0200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "ascii", "mermaid":
			case "png":
				if outFile == "" {
					return errors.New("--format png requires --out")
				}
			default:
				return fmt.Errorf("--format must be ascii, mermaid or png, got %q", format)
			}
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				b, err := a.batch(paramsFile)
				if err != nil {
					return err
				}
				f, err := b.NightBatchFlow()
				if err != nil {
					return err
				}
				opts := []diagram.Option{diagram.WithSubflows(b.Resolve)}
				if runID != "" {
					opts = append(opts, diagram.WithStore(ctx, a.store, runID))
				}
				model, err := diagram.Build(f, opts...)
				if err != nil {
					return err
				}

				var data []byte
				switch format {
				case "mermaid":
					data = []byte(diagram.RenderMermaid(model))
				case "ascii":
					data = []byte(diagram.RenderASCIIAuto(ctx, model, binDir))
				case "png":
					if data, err = diagram.RenderImage(ctx, model); err != nil {
						return err
					}
				}
				if outFile == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", outFile, err)
				}
				a.logger.Info("graph written", slog.String("path", outFile), slog.String("format", format))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&paramsFile, "params", "", "batch params file (YAML or JSON)")
	cmd.Flags().StringVar(&format, "format", "ascii", "ascii, mermaid or png")
	cmd.Flags().StringVar(&outFile, "out", "", "output file (stdout when empty)")
	cmd.Flags().StringVar(&runID, "run-id", "", "overlay the stored statuses of this run")
	cmd.Flags().StringVar(&binDir, "bin-dir", "", "directory holding a mermaid-ascii binary")
	return cmd
}

func newStatusCmd(g *globals) *cobra.Command {
	var (
		flow   string
		runID  string
		nodeID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored runs, node statuses or one node's history",
		Example: `  nightbatch status
  nightbatch status --run-id 20260310-0200
  nightbatch status --flow ftb_flow --run-id 20260310-0200/run_ftb_flow --node calculate_ftb_diff`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID != "" && runID == "" {
				return errors.New("--node requires --run-id")
			}
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				out := g.out(cmd)
				switch {
				case runID == "":
					return listRuns(ctx, a.store, out, flow, limit)
				case nodeID == "":
					return showRun(ctx, a.store, out, flow, runID)
				default:
					return showNode(ctx, a.store, out, store.Key{Flow: flow, RunID: runID, NodeID: nodeID})
				}
			})
		},
	}
	cmd.Flags().StringVar(&flow, "flow", nightbatch.BatchFlowName, "flow name")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().StringVar(&nodeID, "node", "", "node id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	return cmd
}

func listRuns(ctx context.Context, st store.Store, out *output, flow string, limit int) error {
	cat, ok := st.(store.Catalog)
	if !ok {
		return errors.New("the configured store cannot list runs")
	}
	runs, err := cat.ListRuns(ctx, store.RunFilter{Flow: flow, Limit: limit})
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.RunID,
			string(r.Status),
			r.StartedAt.Format(time.RFC3339),
			r.UpdatedAt.Format(time.RFC3339),
		})
	}
	out.print([]string{"RUN", "STATUS", "STARTED", "UPDATED"}, rows, runs)
	return nil
}

func showRun(ctx context.Context, st store.Store, out *output, flow, runID string) error {
	statuses, err := st.LoadRun(ctx, flow, runID)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		return fmt.Errorf("no nodes recorded for %s run %s", flow, runID)
	}
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, []string{id, string(statuses[id])})
	}
	out.print([]string{"NODE", "STATUS"}, rows, statuses)
	return nil
}

func showNode(ctx context.Context, st store.Store, out *output, key store.Key) error {
	rec, err := st.LoadNode(ctx, key)
	if err != nil {
		return err
	}
	if out.jsonMode {
		out.json(rec)
		return nil
	}
	fmt.Fprintf(out.w, "%s / %s / %s: %s\n\n", key.Flow, key.RunID, key.NodeID, rec.Status())
	rows := make([][]string, 0, len(rec.History)+len(rec.Logs))
	for _, h := range rec.History {
		rows = append(rows, []string{h.At.Format(time.RFC3339Nano), "status", string(h.Status)})
	}
	for _, l := range rec.Logs {
		rows = append(rows, []string{l.At.Format(time.RFC3339Nano), "log", l.Message})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	out.table([]string{"AT", "KIND", "VALUE"}, rows)
	return nil
}

func newServeCmd(g *globals) *cobra.Command {
	var (
		paramsFile string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the panel over stored runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.Panel.Addr
				}
				if addr == "" {
					addr = ":8080"
				}
				var b *nightbatch.Batch
				if paramsFile != "" || a.cfg.Batch.Params != "" {
					var err error
					if b, err = a.batch(paramsFile); err != nil {
						return err
					}
				}
				return a.serve(ctx, addr, a.panelServer(b, nil))
			})
		},
	}
	cmd.Flags().StringVar(&paramsFile, "params", "", "batch params file, enables the diagram endpoint")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default panel.addr or :8080)")
	return cmd
}
