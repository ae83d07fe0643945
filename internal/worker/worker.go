// Package worker implements the scrape job execution loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"adscout/internal/metrics"
	"adscout/internal/scout"
)

// Config controls Worker behavior.
type Config struct {
	PollMaxAttempts int
	PollInterval    time.Duration
	LeaseTTL        time.Duration
	Topic           string
	BlobPrefix      string
}

func (c Config) withDefaults() Config {
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 15
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	return c
}

// Worker consumes queue jobs and drives each run to completion.
type Worker struct {
	broker    scout.Broker
	scraper   scout.Scraper
	runs      scout.RunStore
	creatives scout.CreativeStore
	publisher scout.Publisher
	blobs     scout.BlobStore
	clock     scout.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. Publisher and blob store are optional.
func New(
	broker scout.Broker,
	scraper scout.Scraper,
	runs scout.RunStore,
	creatives scout.CreativeStore,
	publisher scout.Publisher,
	blobs scout.BlobStore,
	clock scout.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		broker:    broker,
		scraper:   scraper,
		runs:      runs,
		creatives: creatives,
		publisher: publisher,
		blobs:     blobs,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run blocks, consuming queue jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.broker.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("broker next failed", zap.Error(err))
			return
		}
		w.logger.Debug("leased job", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

		metrics.IncActiveWorkers()
		err = w.processJob(ctx, job)
		metrics.DecActiveWorkers()

		switch {
		case err == nil:
			w.broker.Complete(job.ID)
			metrics.ObserveJob("completed")
		case ctx.Err() != nil:
			// Shutdown mid-job: leave it active so the stalled-job
			// reaper (or a sibling process) picks it up again.
			return
		default:
			w.logger.Warn("job failed",
				zap.String("job_id", job.ID),
				zap.String("run_id", job.RunID),
				zap.Int("attempt", job.Attempt),
				zap.Error(err),
			)
			w.broker.Fail(job.ID, err)
			metrics.ObserveJob("failed")
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job scout.Job) error {
	items, err := w.pollLoop(ctx, job)
	if err != nil {
		return err
	}

	w.archiveSnapshot(ctx, job, items)

	result := scout.Transform(items, job.RunID, job.OrganisationID, job.Kind, w.clock.Now())
	for _, failure := range result.Failures {
		w.logger.Warn("item transform failed",
			zap.String("run_id", job.RunID),
			zap.String("ad_archive_id", failure.Identifier),
			zap.Error(failure.Err),
		)
	}
	if result.Dropped > 0 {
		w.logger.Info("dropped items without identifier",
			zap.String("run_id", job.RunID),
			zap.Int("dropped", result.Dropped),
		)
	}
	if len(result.Records) == 0 {
		return fmt.Errorf("run %s: %w", job.RunID, scout.ErrNoValidAds)
	}

	written, err := w.creatives.UpsertBatch(ctx, result.Records)
	if err != nil {
		return fmt.Errorf("upsert creatives for run %s: %w", job.RunID, err)
	}
	metrics.ObserveUpsert(written, result.Dropped)

	completedAt := w.clock.Now()
	if err := w.runs.MarkCompleted(ctx, job.RunID, written, completedAt); err != nil {
		return fmt.Errorf("mark run %s completed: %w", job.RunID, err)
	}
	metrics.ObserveRunCompleted()

	w.publishCompletion(ctx, job, written, completedAt)

	w.logger.Info("run completed",
		zap.String("run_id", job.RunID),
		zap.String("organisation_id", job.OrganisationID),
		zap.Int("scraped_count", written),
	)
	return nil
}

// pollLoop calls the external source until it produces items, up to the
// configured attempt cap with a fixed delay between attempts. Transient
// errors are logged and do not abort the loop.
func (w *Worker) pollLoop(ctx context.Context, job scout.Job) ([]scout.AdItem, error) {
	for attempt := 1; attempt <= w.cfg.PollMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("poll canceled: %w", ctx.Err())
			case <-time.After(w.cfg.PollInterval):
			}
		}

		w.broker.Heartbeat(job.ID)
		if err := w.runs.RenewLease(ctx, job.RunID, w.clock.Now().Add(w.cfg.LeaseTTL)); err != nil {
			w.logger.Warn("renew lease failed", zap.String("run_id", job.RunID), zap.Error(err))
		}

		items, err := w.scraper.Poll(ctx, job.RunID)
		metrics.ObservePollAttempt(err != nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("poll canceled: %w", ctx.Err())
			}
			w.logger.Warn("poll attempt failed",
				zap.String("run_id", job.RunID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if len(items) > 0 {
			return items, nil
		}
	}
	return nil, fmt.Errorf("run %s after %d attempts: %w", job.RunID, w.cfg.PollMaxAttempts, scout.ErrPollTimeout)
}

// archiveSnapshot writes the raw poll payload to the blob store for audit.
// Best effort: failures are logged, never job-fatal.
func (w *Worker) archiveSnapshot(ctx context.Context, job scout.Job, items []scout.AdItem) {
	if w.blobs == nil {
		return
	}
	data, err := json.Marshal(items)
	if err != nil {
		w.logger.Warn("marshal snapshot failed", zap.String("run_id", job.RunID), zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s.json", w.cfg.BlobPrefix, job.RunID)
	if w.cfg.BlobPrefix == "" {
		path = fmt.Sprintf("%s.json", job.RunID)
	}
	uri, err := w.blobs.PutObject(ctx, path, "application/json", data)
	if err != nil {
		w.logger.Warn("archive snapshot failed", zap.String("run_id", job.RunID), zap.Error(err))
		return
	}
	w.logger.Debug("snapshot archived", zap.String("run_id", job.RunID), zap.String("blob_uri", uri))
}

// publishCompletion emits the completion event. Best effort.
func (w *Worker) publishCompletion(ctx context.Context, job scout.Job, written int, completedAt time.Time) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := scout.CompletionEvent{
		EventID:        uuid.NewString(),
		RunID:          job.RunID,
		OrganisationID: job.OrganisationID,
		Kind:           job.Kind,
		ScrapedCount:   written,
		CompletedAt:    completedAt,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish completion failed", zap.String("run_id", job.RunID), zap.Error(err))
	}
}
