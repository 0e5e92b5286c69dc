package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// statusRow is one persisted status transition, read back in insertion order.
type statusRow struct {
	Flow   string
	RunID  string
	NodeID string
	Status schema.Status
	At     time.Time
}

// replayNodeStatuses folds ordered transitions into the latest status per node.
// Run-level rows are ignored.
func replayNodeStatuses(rows []statusRow) map[string]schema.Status {
	out := make(map[string]schema.Status)
	for _, r := range rows {
		if r.NodeID == "" {
			continue
		}
		out[r.NodeID] = r.Status
	}
	return out
}

// replayRunSummaries folds ordered run-level rows into one summary per run,
// newest first, honoring the filter.
func replayRunSummaries(rows []statusRow, filter RunFilter) []RunSummary {
	type runKey struct{ flow, run string }
	byRun := make(map[runKey]*RunSummary)
	lastSeq := make(map[runKey]int)

	for i, r := range rows {
		if r.NodeID != "" {
			continue
		}
		if filter.Flow != "" && r.Flow != filter.Flow {
			continue
		}
		k := runKey{r.Flow, r.RunID}
		sum, ok := byRun[k]
		if !ok {
			sum = &RunSummary{Flow: r.Flow, RunID: r.RunID, StartedAt: r.At}
			byRun[k] = sum
		}
		sum.Status = r.Status
		sum.UpdatedAt = r.At
		lastSeq[k] = i
	}

	keys := make([]runKey, 0, len(byRun))
	for k := range byRun {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lastSeq[keys[i]] > lastSeq[keys[j]] })

	out := make([]RunSummary, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byRun[k])
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// --- Helpers ---

func storeNotFound(key Key) *schema.FlowError {
	if key.IsRun() {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q of flow %q not found", key.RunID, key.Flow)
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "node %q of run %q (flow %q) not found", key.NodeID, key.RunID, key.Flow)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func marshalState(state map[string]any) (string, error) {
	if len(state) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeStore, "state is not JSON serializable").WithCause(err)
	}
	return string(b), nil
}

func unmarshalState(raw string) (map[string]any, error) {
	state := make(map[string]any)
	if raw == "" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode stored state").WithCause(err)
	}
	return state, nil
}
