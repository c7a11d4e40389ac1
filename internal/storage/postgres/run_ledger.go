// Package postgres records run summaries in a Postgres ledger table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LedgerConfig controls the Postgres connection pool used for run rows.
type LedgerConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// RunLedger writes one row per invocation.
type RunLedger struct {
	pool  pool
	table string
}

var _ catalog.RunLedger = (*RunLedger)(nil)

// NewRunLedger connects to Postgres using cfg.
func NewRunLedger(ctx context.Context, cfg LedgerConfig) (*RunLedger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l, err := NewRunLedgerWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return l, nil
}

// NewRunLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewRunLedgerWithPool(p pool, table string) (*RunLedger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "catalog_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunLedger{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (l *RunLedger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// EnsureSchema creates the ledger table when it does not exist.
func (l *RunLedger) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id      TEXT PRIMARY KEY,
	site        TEXT NOT NULL,
	mode        TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	discovery   JSONB,
	batch       JSONB,
	reconcile   JSONB,
	error       TEXT NOT NULL DEFAULT ''
)`, l.table)
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// RecordRun inserts a summary. Recording the same run twice is a no-op.
func (l *RunLedger) RecordRun(ctx context.Context, s catalog.RunSummary) error {
	if s.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	discovery, err := jsonOrNil(s.Discovery)
	if err != nil {
		return err
	}
	batch, err := jsonOrNil(s.Batch)
	if err != nil {
		return err
	}
	reconcile, err := jsonOrNil(s.Reconcile)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id, site, mode, started_at, finished_at, discovery, batch, reconcile, error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
) ON CONFLICT (run_id) DO NOTHING`, l.table)

	args := []any{
		s.RunID,
		s.Site,
		s.Mode,
		s.StartedAt,
		s.FinishedAt,
		discovery,
		batch,
		reconcile,
		s.Error,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecentRuns returns the latest runs, newest first.
func (l *RunLedger) RecentRuns(ctx context.Context, limit int) ([]catalog.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
SELECT run_id, site, mode, started_at, finished_at, discovery, batch, reconcile, error
FROM %s
ORDER BY started_at DESC
LIMIT $1`, l.table)
	rows, err := l.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.RunSummary, error) {
		var (
			s                           catalog.RunSummary
			discovery, batch, reconcile []byte
		)
		if err := row.Scan(&s.RunID, &s.Site, &s.Mode, &s.StartedAt, &s.FinishedAt, &discovery, &batch, &reconcile, &s.Error); err != nil {
			return s, err
		}
		if err := unmarshalIfSet(discovery, &s.Discovery); err != nil {
			return s, err
		}
		if err := unmarshalIfSet(batch, &s.Batch); err != nil {
			return s, err
		}
		if err := unmarshalIfSet(reconcile, &s.Reconcile); err != nil {
			return s, err
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	return runs, nil
}

func jsonOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	return b, nil
}

func unmarshalIfSet[T any](data []byte, dst **T) error {
	if len(data) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode summary: %w", err)
	}
	*dst = &v
	return nil
}
