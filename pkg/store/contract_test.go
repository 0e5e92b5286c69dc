package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

// contractStore is what every backend in this package offers.
type contractStore interface {
	Store
	Catalog
	StateStore
}

// runStoreContract exercises the behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) contractStore) {
	t.Run("RecordStatusAndLoadRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		runID := uuid.NewString()
		now := time.Now().UTC()

		seq := []schema.Status{schema.StatusPending, schema.StatusReady, schema.StatusRunning, schema.StatusSucceeded}
		for i, st := range seq {
			require.NoError(t, s.RecordStatus(ctx, Key{Flow: "f", RunID: runID, NodeID: "a"}, st, now.Add(time.Duration(i)*time.Millisecond)))
		}
		require.NoError(t, s.RecordStatus(ctx, Key{Flow: "f", RunID: runID, NodeID: "b"}, schema.StatusFailed, now))
		require.NoError(t, s.RecordStatus(ctx, RunKey("f", runID), schema.StatusRunning, now))

		statuses, err := s.LoadRun(ctx, "f", runID)
		require.NoError(t, err)
		assert.Equal(t, map[string]schema.Status{
			"a": schema.StatusSucceeded,
			"b": schema.StatusFailed,
		}, statuses)
	})

	t.Run("LoadRunUnknownIsEmpty", func(t *testing.T) {
		s := newStore(t)
		statuses, err := s.LoadRun(context.Background(), "f", "missing")
		require.NoError(t, err)
		assert.Empty(t, statuses)
	})

	t.Run("LoadNodeHistoryAndLogsInOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := Key{Flow: "f", RunID: uuid.NewString(), NodeID: "build"}
		now := time.Now().UTC()

		require.NoError(t, s.RecordStatus(ctx, key, schema.StatusReady, now))
		require.NoError(t, s.RecordStatus(ctx, key, schema.StatusRunning, now.Add(time.Millisecond)))
		for i := 0; i < 5; i++ {
			require.NoError(t, s.AppendLog(ctx, key, fmt.Sprintf("line %d", i), now.Add(time.Duration(i)*time.Millisecond)))
		}
		require.NoError(t, s.RecordStatus(ctx, key, schema.StatusSucceeded, now.Add(10*time.Millisecond)))

		rec, err := s.LoadNode(ctx, key)
		require.NoError(t, err)
		require.Len(t, rec.History, 3)
		assert.Equal(t, schema.StatusReady, rec.History[0].Status)
		assert.Equal(t, schema.StatusSucceeded, rec.Status())
		assert.WithinDuration(t, now, rec.History[0].At, time.Second)

		require.Len(t, rec.Logs, 5)
		for i, l := range rec.Logs {
			assert.Equal(t, fmt.Sprintf("line %d", i), l.Message)
		}
	})

	t.Run("LoadNodeNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadNode(context.Background(), Key{Flow: "f", RunID: "r", NodeID: "x"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, schema.ErrNotFound))
	})

	t.Run("RejectsUnknownStatus", func(t *testing.T) {
		s := newStore(t)
		err := s.RecordStatus(context.Background(), Key{Flow: "f", RunID: "r", NodeID: "a"}, "completed", time.Now())
		require.Error(t, err)
	})

	t.Run("ConcurrentLogsKeepPerNodeOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		runID := uuid.NewString()

		var wg sync.WaitGroup
		for _, node := range []string{"a", "b", "c"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				key := Key{Flow: "f", RunID: runID, NodeID: node}
				for i := 0; i < 10; i++ {
					assert.NoError(t, s.AppendLog(ctx, key, fmt.Sprintf("%s-%d", node, i), time.Now()))
				}
			}()
		}
		wg.Wait()

		for _, node := range []string{"a", "b", "c"} {
			rec, err := s.LoadNode(ctx, Key{Flow: "f", RunID: runID, NodeID: node})
			require.NoError(t, err)
			require.Len(t, rec.Logs, 10)
			for i, l := range rec.Logs {
				assert.Equal(t, fmt.Sprintf("%s-%d", node, i), l.Message)
			}
		}
	})

	t.Run("ListRunsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, s.RecordStatus(ctx, RunKey("nightly", "r1"), schema.StatusRunning, now))
		require.NoError(t, s.RecordStatus(ctx, RunKey("other", "o1"), schema.StatusRunning, now))
		require.NoError(t, s.RecordStatus(ctx, RunKey("nightly", "r2"), schema.StatusRunning, now))
		require.NoError(t, s.RecordStatus(ctx, RunKey("nightly", "r1"), schema.StatusFailed, now.Add(time.Second)))
		require.NoError(t, s.RecordStatus(ctx, Key{Flow: "nightly", RunID: "r1", NodeID: "a"}, schema.StatusFailed, now))

		runs, err := s.ListRuns(ctx, RunFilter{Flow: "nightly"})
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "r1", runs[0].RunID)
		assert.Equal(t, schema.StatusFailed, runs[0].Status)
		assert.Equal(t, "r2", runs[1].RunID)
		assert.Equal(t, schema.StatusRunning, runs[1].Status)

		limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "r1", limited[0].RunID)
	})

	t.Run("StateRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		empty, err := s.LoadState(ctx, "f", "none")
		require.NoError(t, err)
		assert.Empty(t, empty)

		require.NoError(t, s.SaveState(ctx, "f", "r", map[string]any{"count": 2, "name": "ftb"}))
		require.NoError(t, s.SaveState(ctx, "f", "r", map[string]any{"count": 3}))

		got, err := s.LoadState(ctx, "f", "r")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"count": float64(3)}, got)
	})

	t.Run("SaveStateRejectsUnserializable", func(t *testing.T) {
		s := newStore(t)
		err := s.SaveState(context.Background(), "f", "r", map[string]any{"ch": make(chan int)})
		require.Error(t, err)
	})
}
