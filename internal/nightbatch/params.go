// Package nightbatch assembles the nightly pricing batch: one run-type flow per
// run type, and per library an image build followed by a pricing run.
package nightbatch

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.yaml.in/yaml/v3"

	"github.com/rendis/flowrun/internal/validation"
)

// RunType is one pricing run family, such as ftb or hpl.
type RunType struct {
	Type string `json:"type" yaml:"type"`
}

// Library is one pricing library version to build and price.
type Library struct {
	Version string   `json:"version" yaml:"version"`
	Branch  string   `json:"branch,omitempty" yaml:"branch,omitempty"`
	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Params are the inputs of one night batch.
type Params struct {
	RunTypes  []RunType `json:"run_types" yaml:"run_types"`
	Libraries []Library `json:"libraries" yaml:"libraries"`
}

// Types returns the run type names in declaration order.
func (p *Params) Types() []string {
	out := make([]string, len(p.RunTypes))
	for i, rt := range p.RunTypes {
		out[i] = rt.Type
	}
	return out
}

// Versions returns the library versions in declaration order.
func (p *Params) Versions() []string {
	out := make([]string, len(p.Libraries))
	for i, lib := range p.Libraries {
		out[i] = lib.Version
	}
	return out
}

var paramsValidator = sync.OnceValues(validation.NewParamsValidator)

// LoadParams reads a YAML or JSON params file.
func LoadParams(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read params %s: %w", path, err)
	}
	p, err := ParseParams(data)
	if err != nil {
		return nil, fmt.Errorf("params %s: %w", path, err)
	}
	return p, nil
}

// ParseParams decodes YAML or JSON, validates it against the params schema
// and returns the typed Params. Versions must be strings; quote them in YAML.
func ParseParams(data []byte) (*Params, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}

	v, err := paramsValidator()
	if err != nil {
		return nil, err
	}
	if err := v.Validate(doc); err != nil {
		return nil, err
	}

	// The document is JSON-compatible once validated.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return &p, nil
}
