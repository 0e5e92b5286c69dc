package store

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// MemoryStore is the in-process reference Store: a keyed append log.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]*NodeRecord
	rows    []statusRow
	states  map[Key]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]*NodeRecord),
		states:  make(map[Key]string),
	}
}

func (s *MemoryStore) record(key Key) *NodeRecord {
	rec, ok := s.records[key]
	if !ok {
		rec = &NodeRecord{Key: key}
		s.records[key] = rec
	}
	return rec
}

func (s *MemoryStore) RecordStatus(ctx context.Context, key Key, status schema.Status, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", status)
	}
	at = timeOrNow(at)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(key)
	rec.History = append(rec.History, StatusEntry{Status: status, At: at})
	s.rows = append(s.rows, statusRow{Flow: key.Flow, RunID: key.RunID, NodeID: key.NodeID, Status: status, At: at})
	return nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, key Key, message string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(key)
	rec.Logs = append(rec.Logs, LogEntry{Message: message, At: timeOrNow(at)})
	return nil
}

func (s *MemoryStore) LoadRun(ctx context.Context, flow, runID string) (map[string]schema.Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]schema.Status)
	for key, rec := range s.records {
		if key.Flow != flow || key.RunID != runID || key.IsRun() || len(rec.History) == 0 {
			continue
		}
		out[key.NodeID] = rec.Status()
	}
	return out, nil
}

func (s *MemoryStore) LoadNode(ctx context.Context, key Key) (*NodeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, storeNotFound(key)
	}
	cp := &NodeRecord{
		Key:     rec.Key,
		History: append([]StatusEntry(nil), rec.History...),
		Logs:    append([]LogEntry(nil), rec.Logs...),
	}
	return cp, nil
}

// ListRuns implements Catalog.
func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return replayRunSummaries(s.rows, filter), nil
}

// SaveState implements StateStore. The state is stored as JSON so callers never share maps with the store.
func (s *MemoryStore) SaveState(ctx context.Context, flow, runID string, state map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := marshalState(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.states[RunKey(flow, runID)] = raw
	s.mu.Unlock()
	return nil
}

// LoadState implements StateStore. An unknown run yields an empty state.
func (s *MemoryStore) LoadState(ctx context.Context, flow, runID string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	raw := s.states[RunKey(flow, runID)]
	s.mu.RUnlock()
	return unmarshalState(raw)
}
