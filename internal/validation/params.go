// Package validation checks night batch parameters against a JSON Schema
// (Draft 2020-12) before any flow is built from them.
package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowrun/pkg/schema"
)

const paramsSchemaURL = "https://flowrun.dev/schemas/batch_params.json"

//go:embed schemas/batch_params.json
var paramsSchemaJSON []byte

// ParamsValidator validates decoded batch parameters. It is safe for concurrent use.
type ParamsValidator struct {
	schema *jsonschema.Schema
}

// NewParamsValidator compiles the embedded batch parameters schema.
func NewParamsValidator() (*ParamsValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(paramsSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal params schema: %w", err)
	}
	if err := c.AddResource(paramsSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add params schema resource: %w", err)
	}
	compiled, err := c.Compile(paramsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile params schema: %w", err)
	}
	return &ParamsValidator{schema: compiled}, nil
}

// Validate checks doc, any JSON-compatible value such as the output of a
// YAML or JSON decoder. Violations come back as one VALIDATION_ERROR whose
// details list every failing location.
func (v *ParamsValidator) Validate(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "batch params are empty")
	}

	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "batch params are not JSON-compatible").WithCause(err)
	}
	if err := v.schema.Validate(value); err != nil {
		return toFlowError(err)
	}

	// Uniqueness by key is not expressible in JSON Schema.
	if violations := duplicateKeys(value); len(violations) > 0 {
		return violationError(violations)
	}
	return nil
}

// duplicateKeys reports repeated run types and library versions. Node ids are
// derived from them, so a repeat would register the same node twice.
func duplicateKeys(value any) []string {
	obj, _ := value.(map[string]any)
	var violations []string
	check := func(list, field string) {
		items, _ := obj[list].([]any)
		seen := make(map[string]int, len(items))
		for i, item := range items {
			m, _ := item.(map[string]any)
			key, _ := m[field].(string)
			if prev, ok := seen[key]; ok {
				violations = append(violations,
					fmt.Sprintf("/%s/%d/%s: duplicates /%s/%d (%q)", list, i, field, list, prev, key))
				continue
			}
			seen[key] = i
		}
	}
	check("run_types", "type")
	check("libraries", "version")
	return violations
}

// toJSONValue round-trips a Go value through encoding/json so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func toFlowError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	return violationError(violations)
}

func violationError(violations []string) *schema.FlowError {
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("batch params invalid: %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and returns its leaf messages
// prefixed by instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
