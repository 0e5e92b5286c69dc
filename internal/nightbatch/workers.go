package nightbatch

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"
)

// Image is a built pricing image.
type Image struct {
	RunType string `json:"run_type"`
	Version string `json:"version"`
	Base    string `json:"base"`
	Ref     string `json:"ref"`
	Digest  string `json:"digest"`
}

// PricingResult is the output of pricing one library version.
type PricingResult struct {
	RunType string  `json:"run_type"`
	Version string  `json:"version"`
	Image   string  `json:"image"`
	Trades  int     `json:"trades"`
	Total   float64 `json:"total"`
}

// VersionDelta is the difference of one version against the baseline.
type VersionDelta struct {
	Version string  `json:"version"`
	Total   float64 `json:"total"`
	Delta   float64 `json:"delta"`
}

// DiffReport compares the pricing results of one run type. The first
// library version is the baseline.
type DiffReport struct {
	RunType  string         `json:"run_type"`
	Baseline string         `json:"baseline"`
	Deltas   []VersionDelta `json:"deltas"`
	MaxDelta float64        `json:"max_delta"`
}

// Workers performs the compute behind the batch tasks.
type Workers interface {
	BuildImage(ctx context.Context, runType string, lib Library, base string) (Image, error)
	Price(ctx context.Context, runType string, lib Library, image string) (PricingResult, error)
	Diff(ctx context.Context, runType string, results []PricingResult) (DiffReport, error)
}

// SimulatedWorkers derives every output from a hash of its inputs, so
// repeated batches produce the same numbers.
type SimulatedWorkers struct {
	// Latency is slept before every call.
	Latency time.Duration

	mu       sync.Mutex
	failures map[string]int
	calls    []string
}

// Fail makes the next times calls to op fail. op is one of
// "build:<rt>:<version>", "price:<rt>:<version>" or "diff:<rt>".
// A negative times fails forever.
func (w *SimulatedWorkers) Fail(op string, times int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures == nil {
		w.failures = make(map[string]int)
	}
	w.failures[op] = times
}

// Calls returns every operation invoked so far, in call order.
func (w *SimulatedWorkers) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *SimulatedWorkers) enter(ctx context.Context, op string) error {
	w.mu.Lock()
	w.calls = append(w.calls, op)
	fail := false
	if left := w.failures[op]; left != 0 {
		fail = true
		if left > 0 {
			w.failures[op] = left - 1
		}
	}
	w.mu.Unlock()

	if w.Latency > 0 {
		t := time.NewTimer(w.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		return fmt.Errorf("simulated failure in %s", op)
	}
	return ctx.Err()
}

func (w *SimulatedWorkers) BuildImage(ctx context.Context, runType string, lib Library, base string) (Image, error) {
	if err := w.enter(ctx, "build:"+runType+":"+lib.Version); err != nil {
		return Image{}, err
	}
	sum := sha256.Sum256([]byte(runType + "|" + lib.Version + "|" + lib.Branch + "|" + base))
	return Image{
		RunType: runType,
		Version: lib.Version,
		Base:    base,
		Ref:     fmt.Sprintf("registry.local/firebird/%s:%s", runType, lib.Version),
		Digest:  "sha256:" + hex.EncodeToString(sum[:6]),
	}, nil
}

func (w *SimulatedWorkers) Price(ctx context.Context, runType string, lib Library, image string) (PricingResult, error) {
	if err := w.enter(ctx, "price:"+runType+":"+lib.Version); err != nil {
		return PricingResult{}, err
	}
	sum := sha256.Sum256([]byte(runType + "|" + image))
	seed := binary.BigEndian.Uint64(sum[:8])
	return PricingResult{
		RunType: runType,
		Version: lib.Version,
		Image:   image,
		Trades:  1000 + int(seed%9000),
		Total:   math.Round(float64(seed%10_000_000)) / 100,
	}, nil
}

func (w *SimulatedWorkers) Diff(ctx context.Context, runType string, results []PricingResult) (DiffReport, error) {
	if err := w.enter(ctx, "diff:"+runType); err != nil {
		return DiffReport{}, err
	}
	return DiffResults(runType, results), nil
}

// DiffResults compares results against the first one.
func DiffResults(runType string, results []PricingResult) DiffReport {
	report := DiffReport{RunType: runType, Deltas: []VersionDelta{}}
	if len(results) == 0 {
		return report
	}
	base := results[0]
	report.Baseline = base.Version
	for _, r := range results {
		d := math.Round((r.Total-base.Total)*100) / 100
		report.Deltas = append(report.Deltas, VersionDelta{Version: r.Version, Total: r.Total, Delta: d})
		if math.Abs(d) > math.Abs(report.MaxDelta) {
			report.MaxDelta = d
		}
	}
	return report
}
