// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/flowrun/internal/diagram"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/nightbatch"
	"github.com/rendis/flowrun/internal/notify"
	"github.com/rendis/flowrun/pkg/engine"
)

const sampleParams = `
run_types:
  - type: ftb
  - type: hpl
libraries:
  - version: "1.2"
  - version: "1.3"
    branch: release/1.3
`

func main() {
	ctx := context.Background()
	logger := logging.Setup(logging.Options{Level: "warn", Format: "text", Writer: os.Stderr})

	params, err := nightbatch.ParseParams([]byte(sampleParams))
	if err != nil {
		fmt.Fprintf(os.Stderr, "params error: %v\n", err)
		os.Exit(1)
	}

	// hpl 1.3 pricing fails so the samples show failed and skipped nodes.
	workers := &nightbatch.SimulatedWorkers{}
	workers.Fail("price:hpl:1.3", -1)
	b := nightbatch.New(params,
		nightbatch.WithWorkers(workers),
		nightbatch.WithNotifier(&notify.MemoryNotifier{}),
		nightbatch.WithLogger(logger),
	)

	f, err := b.NightBatchFlow()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flow error: %v\n", err)
		os.Exit(1)
	}
	exec := engine.NewExecutor(engine.ExecutorConfig{PoolSize: 4, Logger: logger})
	defer exec.Shutdown()
	res, err := exec.Run(ctx, f, engine.WithRunID("sample"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "run error: %v\n", err)
		os.Exit(1)
	}

	model, err := diagram.Build(f, diagram.WithResult(res), diagram.WithSubflows(b.Resolve))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	// ASCII (mermaid-ascii with hand-rolled fallback)
	home, _ := os.UserHomeDir()
	binDir := filepath.Join(home, ".nightbatch", "bin")
	ascii := diagram.RenderASCIIAuto(ctx, model, binDir)
	os.WriteFile(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii), 0o644)
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	png, imgErr := diagram.RenderImage(ctx, model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
	} else {
		pngPath := filepath.Join(outDir, "diagram-sample.png")
		os.WriteFile(pngPath, png, 0o644)
		fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
	}
}
