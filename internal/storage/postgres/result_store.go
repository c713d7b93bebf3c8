// Package postgres persists extraction datasets to Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "extraction_results"

// Config controls the connection pool used for result rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type beginCloser interface {
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// ResultStore writes one row per extraction result plus a run row into
// <table>_runs, all in a single transaction.
type ResultStore struct {
	pool  beginCloser
	table string
	now   func() time.Time
}

// New connects a pool from cfg.
func New(ctx context.Context, cfg Config) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ResultStore{pool: pool, table: table, now: utcNow}, nil
}

// NewWithPool builds a store around an existing pool.
func NewWithPool(pool beginCloser, table string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ResultStore{pool: pool, table: name, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreResults upserts the dataset for runID. Re-storing a run replaces its
// rows.
func (s *ResultStore) StoreResults(ctx context.Context, runID string, results []pipeline.ExtractionResult) (err error) {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	summary := pipeline.Summarize(runID, results)
	runQuery := fmt.Sprintf(`
INSERT INTO %s_runs (run_id, total, accessible, failed, stored_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (run_id) DO UPDATE
SET total = EXCLUDED.total,
	accessible = EXCLUDED.accessible,
	failed = EXCLUDED.failed,
	stored_at = EXCLUDED.stored_at`, s.table)
	if _, err = tx.Exec(ctx, runQuery, runID, summary.Total, summary.Accessible, summary.Failed, s.now()); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	rowQuery := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	row_index,
	title,
	url,
	content,
	accessible,
	source_type,
	error_kind,
	error_reason,
	attempts
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (run_id, row_index) DO UPDATE
SET title = EXCLUDED.title,
	url = EXCLUDED.url,
	content = EXCLUDED.content,
	accessible = EXCLUDED.accessible,
	source_type = EXCLUDED.source_type,
	error_kind = EXCLUDED.error_kind,
	error_reason = EXCLUDED.error_reason,
	attempts = EXCLUDED.attempts`, s.table)
	for _, res := range results {
		attempts, mErr := json.Marshal(normalizeAttempts(res.Attempts))
		if mErr != nil {
			return fmt.Errorf("marshal attempts: %w", mErr)
		}
		if _, err = tx.Exec(ctx, rowQuery,
			runID,
			res.Index,
			res.Title,
			res.URL,
			res.Content,
			res.Accessible,
			string(res.SourceType),
			string(res.ErrorKind),
			res.ErrorReason,
			attempts,
		); err != nil {
			return fmt.Errorf("insert result %d: %w", res.Index, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit results: %w", err)
	}
	return nil
}

func normalizeAttempts(a []pipeline.FetchAttempt) []pipeline.FetchAttempt {
	if len(a) == 0 {
		return []pipeline.FetchAttempt{}
	}
	return a
}
