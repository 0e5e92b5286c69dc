package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowrun/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/flowrun.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, sqliteMigrations)
}

func (s *LibSQLStore) RecordStatus(ctx context.Context, key Key, status schema.Status, at time.Time) error {
	if !status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", status)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_status (flow_name, run_id, node_id, status, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		key.Flow, key.RunID, key.NodeID, string(status), timeOrNow(at),
	)
	if err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}

func (s *LibSQLStore) AppendLog(ctx context.Context, key Key, message string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_logs (flow_name, run_id, node_id, message, logged_at) VALUES (?, ?, ?, ?, ?)`,
		key.Flow, key.RunID, key.NodeID, message, timeOrNow(at),
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *LibSQLStore) LoadRun(ctx context.Context, flow, runID string) (map[string]schema.Status, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, status FROM node_status
		 WHERE flow_name = ? AND run_id = ? AND node_id <> ''
		 ORDER BY id`,
		flow, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	defer rows.Close()

	var history []statusRow
	for rows.Next() {
		var nodeID, status string
		if err := rows.Scan(&nodeID, &status); err != nil {
			return nil, err
		}
		st, err := schema.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		history = append(history, statusRow{Flow: flow, RunID: runID, NodeID: nodeID, Status: st})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return replayNodeStatuses(history), nil
}

func (s *LibSQLStore) LoadNode(ctx context.Context, key Key) (*NodeRecord, error) {
	rec := &NodeRecord{Key: key}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, recorded_at FROM node_status
		 WHERE flow_name = ? AND run_id = ? AND node_id = ?
		 ORDER BY id`,
		key.Flow, key.RunID, key.NodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("load node history: %w", err)
	}
	for rows.Next() {
		var status string
		var at time.Time
		if err := rows.Scan(&status, &at); err != nil {
			rows.Close()
			return nil, err
		}
		rec.History = append(rec.History, StatusEntry{Status: schema.Status(status), At: at})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logRows, err := s.db.QueryContext(ctx,
		`SELECT message, logged_at FROM node_logs
		 WHERE flow_name = ? AND run_id = ? AND node_id = ?
		 ORDER BY id`,
		key.Flow, key.RunID, key.NodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("load node logs: %w", err)
	}
	defer logRows.Close()
	for logRows.Next() {
		var entry LogEntry
		if err := logRows.Scan(&entry.Message, &entry.At); err != nil {
			return nil, err
		}
		rec.Logs = append(rec.Logs, entry)
	}
	if err := logRows.Err(); err != nil {
		return nil, err
	}

	if len(rec.History) == 0 && len(rec.Logs) == 0 {
		return nil, storeNotFound(key)
	}
	return rec, nil
}

// ListRuns implements Catalog.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	query := `SELECT flow_name, run_id, status, recorded_at FROM node_status WHERE node_id = ''`
	var args []any
	if filter.Flow != "" {
		query += " AND flow_name = ?"
		args = append(args, filter.Flow)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var history []statusRow
	for rows.Next() {
		var r statusRow
		var status string
		if err := rows.Scan(&r.Flow, &r.RunID, &status, &r.At); err != nil {
			return nil, err
		}
		r.Status = schema.Status(status)
		history = append(history, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return replayRunSummaries(history, filter), nil
}

// SaveState implements StateStore.
func (s *LibSQLStore) SaveState(ctx context.Context, flow, runID string, state map[string]any) error {
	raw, err := marshalState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_state (flow_name, run_id, state, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(flow_name, run_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		flow, runID, raw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState implements StateStore. An unknown run yields an empty state.
func (s *LibSQLStore) LoadState(ctx context.Context, flow, runID string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM run_state WHERE flow_name = ? AND run_id = ?`, flow, runID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return unmarshalState(raw)
}
