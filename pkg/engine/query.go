package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/flowrun/pkg/schema"
)

// jqCache holds compiled jq programs. Compiled code is safe for concurrent use.
var jqCache = struct {
	sync.RWMutex
	code map[string]*gojq.Code
}{code: make(map[string]*gojq.Code)}

func compileJQ(expression string) (*gojq.Code, error) {
	jqCache.RLock()
	code, ok := jqCache.code[expression]
	jqCache.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", expression, err).
			WithCause(err)
	}
	// No environment access from queries.
	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", expression, err).
			WithCause(err)
	}

	jqCache.Lock()
	jqCache.code[expression] = code
	jqCache.Unlock()
	return code, nil
}

// evalJQ runs a jq expression over data. Zero outputs yield nil, one output is
// returned as is, several are collected into a slice.
func evalJQ(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := compileJQ(expression)
	if err != nil {
		return nil, err
	}

	normalized, err := normalizeJSON(data)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, normalized)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq evaluation failed for %q: %s", expression, err).
				WithCause(err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalizeJSON turns arbitrary Go values into the map/slice/float64 shapes jq expects.
func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "state is not JSON serializable: %s", err).
			WithCause(err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "normalize state: %s", err).WithCause(err)
	}
	return out, nil
}
