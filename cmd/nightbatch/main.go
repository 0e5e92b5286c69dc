// nightbatch runs the nightly pricing batch: image builds and pricing runs
// per run type and library, with a diff and notifications at the end.
//
// Usage:
//
//	nightbatch [--config file] [--env-file file] [--json] <command> [flags]
//
// Commands:
//
//	run       run the batch once
//	schedule  run the batch on a cron schedule
//	graph     render the batch flow
//	status    show stored run and node statuses
//	serve     serve the panel
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/nightbatch/
var version = "dev"

// globals are the persistent flags shared by every command.
type globals struct {
	configFile string
	envFile    string
	jsonOutput bool
}

func (g *globals) out(cmd *cobra.Command) *output {
	return &output{jsonMode: g.jsonOutput, w: cmd.OutOrStdout()}
}

// withApp loads configuration, wires the app and runs fn with a context that
// is cancelled on SIGINT or SIGTERM.
func (g *globals) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(g.configFile, g.envFile)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "nightbatch",
		Short:         "Nightly pricing batch runner",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configFile, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", "", "dotenv file (default .env)")
	root.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "Output in JSON format")

	root.AddCommand(
		newRunCmd(g),
		newScheduleCmd(g),
		newGraphCmd(g),
		newStatusCmd(g),
		newServeCmd(g),
	)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
