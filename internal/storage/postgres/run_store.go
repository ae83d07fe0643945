// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"adscout/internal/scout"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// pool is the subset of pgxpool.Pool the stores rely on, narrow enough for
// pgxmock to stand in.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
	Close()
}

// RunStoreConfig controls the Postgres connection pool used for run rows.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// RunStore persists runs in Postgres.
type RunStore struct {
	pool  pool
	table string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	return &RunStore{pool: p, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateRun inserts a new run row. A duplicate run id yields ErrRunExists.
func (s *RunStore) CreateRun(ctx context.Context, run scout.Run) error {
	if run.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	organisation_id,
	source_url,
	target_url,
	kind,
	scraped_count,
	lease_expires_at,
	completed_at,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		run.RunID,
		run.OrganisationID,
		run.SourceURL,
		run.TargetURL,
		string(run.Kind),
		run.ScrapedCount,
		run.LeaseExpiresAt,
		run.CompletedAt,
		run.CreatedAt,
		run.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return scout.ErrRunExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run row by id.
func (s *RunStore) GetRun(ctx context.Context, runID string) (scout.Run, error) {
	query := fmt.Sprintf(`
SELECT run_id, organisation_id, source_url, target_url, kind, scraped_count,
	lease_expires_at, completed_at, created_at, updated_at
FROM %s WHERE run_id = $1`, s.table)

	var (
		run  scout.Run
		kind string
	)
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.RunID,
		&run.OrganisationID,
		&run.SourceURL,
		&run.TargetURL,
		&kind,
		&run.ScrapedCount,
		&run.LeaseExpiresAt,
		&run.CompletedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scout.Run{}, scout.ErrRunNotFound
		}
		return scout.Run{}, fmt.Errorf("select run: %w", err)
	}
	run.Kind = scout.Kind(kind)
	return run, nil
}

// Status collapses the run row into the tracker's three-state answer.
func (s *RunStore) Status(ctx context.Context, runID string) (scout.RunState, error) {
	query := fmt.Sprintf(`SELECT completed_at FROM %s WHERE run_id = $1`, s.table)

	var completedAt *time.Time
	err := s.pool.QueryRow(ctx, query, runID).Scan(&completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scout.RunStateUnknown, nil
		}
		return scout.RunStateUnknown, fmt.Errorf("select run status: %w", err)
	}
	if completedAt != nil {
		return scout.RunStateCompleted, nil
	}
	return scout.RunStateInProgress, nil
}

// MarkCompleted records the run's completion. The WHERE clause guards an
// already-completed row, so a replayed completion changes nothing.
func (s *RunStore) MarkCompleted(ctx context.Context, runID string, scrapedCount int, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET scraped_count = $2, completed_at = $3, updated_at = $3
WHERE run_id = $1 AND completed_at IS NULL`, s.table)

	tag, err := s.pool.Exec(ctx, query, runID, scrapedCount, at)
	if err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already completed (fine) or missing entirely.
		state, err := s.Status(ctx, runID)
		if err != nil {
			return err
		}
		if state == scout.RunStateUnknown {
			return scout.ErrRunNotFound
		}
	}
	return nil
}

// RenewLease extends the run's poll lease.
func (s *RunStore) RenewLease(ctx context.Context, runID string, until time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET lease_expires_at = $2, updated_at = $2
WHERE run_id = $1 AND completed_at IS NULL`, s.table)

	if _, err := s.pool.Exec(ctx, query, runID, until); err != nil {
		return fmt.Errorf("renew run lease: %w", err)
	}
	return nil
}

// ListExpiredLeases returns incomplete runs whose lease lapsed before the
// cutoff, oldest lease first.
func (s *RunStore) ListExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]scout.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT run_id, organisation_id, source_url, target_url, kind, scraped_count,
	lease_expires_at, completed_at, created_at, updated_at
FROM %s
WHERE completed_at IS NULL AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
ORDER BY lease_expires_at ASC
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired leases: %w", err)
	}
	defer rows.Close()

	var runs []scout.Run
	for rows.Next() {
		var (
			run  scout.Run
			kind string
		)
		if err := rows.Scan(
			&run.RunID,
			&run.OrganisationID,
			&run.SourceURL,
			&run.TargetURL,
			&kind,
			&run.ScrapedCount,
			&run.LeaseExpiresAt,
			&run.CompletedAt,
			&run.CreatedAt,
			&run.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan expired lease row: %w", err)
		}
		run.Kind = scout.Kind(kind)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}
	return runs, nil
}

// DeleteRun removes a run row. Deleting a missing row is not an error.
func (s *RunStore) DeleteRun(ctx context.Context, runID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}
