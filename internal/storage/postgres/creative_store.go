package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"adscout/internal/scout"
)

// CreativeStoreConfig controls the Postgres connection pool used for
// creative rows.
type CreativeStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// CreativeStore upserts scraped creatives into Postgres.
type CreativeStore struct {
	pool  pool
	table string
}

// NewCreativeStore creates a Postgres-backed CreativeStore using the provided config.
func NewCreativeStore(ctx context.Context, cfg CreativeStoreConfig) (*CreativeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "creatives"
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
	return &CreativeStore{pool: p, table: table}, nil
}

// NewCreativeStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCreativeStoreWithPool(p pool, table string) (*CreativeStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "creatives"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CreativeStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *CreativeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertBatch writes all records keyed on ad_archive_id using a single
// batched round trip. Re-running the same batch rewrites the same rows, so
// a retried job cannot duplicate creatives.
func (s *CreativeStore) UpsertBatch(ctx context.Context, records []scout.Creative) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("creative store is not configured")
	}
	if len(records) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	ad_archive_id,
	run_id,
	organisation_id,
	kind,
	page_id,
	page_name,
	is_active,
	title,
	body,
	link_url,
	image_urls,
	original_image_urls,
	video_hd_urls,
	video_sd_urls,
	start_date,
	end_date,
	raw,
	created_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
)
ON CONFLICT (ad_archive_id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	organisation_id = EXCLUDED.organisation_id,
	kind = EXCLUDED.kind,
	page_id = EXCLUDED.page_id,
	page_name = EXCLUDED.page_name,
	is_active = EXCLUDED.is_active,
	title = EXCLUDED.title,
	body = EXCLUDED.body,
	link_url = EXCLUDED.link_url,
	image_urls = EXCLUDED.image_urls,
	original_image_urls = EXCLUDED.original_image_urls,
	video_hd_urls = EXCLUDED.video_hd_urls,
	video_sd_urls = EXCLUDED.video_sd_urls,
	start_date = EXCLUDED.start_date,
	end_date = EXCLUDED.end_date,
	raw = EXCLUDED.raw,
	updated_at = EXCLUDED.updated_at`, s.table)

	batch := &pgx.Batch{}
	for _, rec := range records {
		if rec.AdArchiveID == "" {
			return 0, fmt.Errorf("creative without ad_archive_id in batch")
		}
		batch.Queue(query,
			rec.AdArchiveID,
			rec.RunID,
			rec.OrganisationID,
			string(rec.Kind),
			rec.PageID,
			rec.PageName,
			rec.IsActive,
			rec.Title,
			rec.Body,
			rec.LinkURL,
			rec.ImageURLs,
			rec.OriginalImages,
			rec.VideoHDURLs,
			rec.VideoSDURLs,
			rec.StartDate,
			rec.EndDate,
			[]byte(rec.Raw),
			rec.CreatedAt,
			rec.UpdatedAt,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close() //nolint:errcheck // close only releases the batch

	written := 0
	for range records {
		tag, err := results.Exec()
		if err != nil {
			return written, fmt.Errorf("upsert creative: %w", err)
		}
		written += int(tag.RowsAffected())
	}
	return written, nil
}

// ListByRun returns creatives for a run, newest first.
func (s *CreativeStore) ListByRun(ctx context.Context, runID string) ([]scout.Creative, error) {
	query := fmt.Sprintf(`
SELECT ad_archive_id, run_id, organisation_id, kind, page_id, page_name,
	is_active, title, body, link_url, image_urls, original_image_urls,
	video_hd_urls, video_sd_urls, start_date, end_date, raw, created_at, updated_at
FROM %s WHERE run_id = $1
ORDER BY updated_at DESC`, s.table)

	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("select creatives: %w", err)
	}
	defer rows.Close()

	var creatives []scout.Creative
	for rows.Next() {
		var (
			rec  scout.Creative
			kind string
			raw  []byte
		)
		if err := rows.Scan(
			&rec.AdArchiveID,
			&rec.RunID,
			&rec.OrganisationID,
			&kind,
			&rec.PageID,
			&rec.PageName,
			&rec.IsActive,
			&rec.Title,
			&rec.Body,
			&rec.LinkURL,
			&rec.ImageURLs,
			&rec.OriginalImages,
			&rec.VideoHDURLs,
			&rec.VideoSDURLs,
			&rec.StartDate,
			&rec.EndDate,
			&raw,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan creative row: %w", err)
		}
		rec.Kind = scout.Kind(kind)
		rec.Raw = raw
		creatives = append(creatives, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate creatives: %w", err)
	}
	return creatives, nil
}
