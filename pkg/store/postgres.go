package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/flowrun/pkg/schema"
)

// PostgresStore implements Store on PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxConns          int32
	HealthCheckPeriod time.Duration
	PingTimeout       time.Duration
}

// NewPostgresStore connects to dsn and verifies the connection with a ping.
func NewPostgresStore(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second
	if opts.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingTimeout := 5 * time.Second
	if opts.PingTimeout > 0 {
		pingTimeout = opts.PingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate runs all pending database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createSchemaVersion); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range postgresMigrations {
		if m.Version <= current {
			continue
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *PostgresStore) RecordStatus(ctx context.Context, key Key, status schema.Status, at time.Time) error {
	if !status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", status)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO node_status (flow_name, run_id, node_id, status, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
		key.Flow, key.RunID, key.NodeID, string(status), timeOrNow(at),
	)
	if err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, key Key, message string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO node_logs (flow_name, run_id, node_id, message, logged_at) VALUES ($1, $2, $3, $4, $5)`,
		key.Flow, key.RunID, key.NodeID, message, timeOrNow(at),
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadRun(ctx context.Context, flow, runID string) (map[string]schema.Status, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT node_id, status FROM node_status
		 WHERE flow_name = $1 AND run_id = $2 AND node_id <> ''
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

func (s *PostgresStore) LoadNode(ctx context.Context, key Key) (*NodeRecord, error) {
	rec := &NodeRecord{Key: key}

	rows, err := s.pool.Query(ctx,
		`SELECT status, recorded_at FROM node_status
		 WHERE flow_name = $1 AND run_id = $2 AND node_id = $3
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
		rec.History = append(rec.History, StatusEntry{Status: schema.Status(status), At: at.UTC()})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logRows, err := s.pool.Query(ctx,
		`SELECT message, logged_at FROM node_logs
		 WHERE flow_name = $1 AND run_id = $2 AND node_id = $3
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
		entry.At = entry.At.UTC()
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
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	query := `SELECT flow_name, run_id, status, recorded_at FROM node_status WHERE node_id = ''`
	var args []any
	if filter.Flow != "" {
		query += " AND flow_name = $1"
		args = append(args, filter.Flow)
	}
	query += " ORDER BY id"

	rows, err := s.pool.Query(ctx, query, args...)
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
		r.At = r.At.UTC()
		history = append(history, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return replayRunSummaries(history, filter), nil
}

// SaveState implements StateStore.
func (s *PostgresStore) SaveState(ctx context.Context, flow, runID string, state map[string]any) error {
	raw, err := marshalState(state)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_state (flow_name, run_id, state, updated_at) VALUES ($1, $2, $3::jsonb, $4)
		 ON CONFLICT (flow_name, run_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		flow, runID, raw, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState implements StateStore. An unknown run yields an empty state.
func (s *PostgresStore) LoadState(ctx context.Context, flow, runID string) (map[string]any, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT state::text FROM run_state WHERE flow_name = $1 AND run_id = $2`, flow, runID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return unmarshalState(raw)
}
