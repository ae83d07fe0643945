package scout

import (
	"context"
	"time"
)

// RunStore persists run rows and answers the state tracker queries.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	// Status collapses the row into the three-state tracker answer.
	Status(ctx context.Context, runID string) (RunState, error)
	// MarkCompleted sets completed_at and scraped_count. Setting
	// completed_at when already set is a no-op, not an error.
	MarkCompleted(ctx context.Context, runID string, scrapedCount int, at time.Time) error
	// RenewLease extends the run's poll lease while a worker or background
	// poller is actively driving it.
	RenewLease(ctx context.Context, runID string, until time.Time) error
	// ListExpiredLeases returns incomplete runs whose lease lapsed before
	// the cutoff, oldest first.
	ListExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]Run, error)
	DeleteRun(ctx context.Context, runID string) error
}

// CreativeStore persists scraped ads with idempotent upsert semantics.
type CreativeStore interface {
	// UpsertBatch writes all records in one operation keyed on
	// ad_archive_id and returns the number of rows written.
	UpsertBatch(ctx context.Context, records []Creative) (int, error)
	ListByRun(ctx context.Context, runID string) ([]Creative, error)
}

// Broker holds pending jobs with dedup, retry and backoff semantics.
type Broker interface {
	// Enqueue adds a job, rejecting duplicates with ErrDuplicateJob.
	Enqueue(ctx context.Context, job Job) error
	// Next blocks until a job is ready and leases it to the caller.
	Next(ctx context.Context) (Job, error)
	// Heartbeat renews the processing lease on an active job.
	Heartbeat(jobID string)
	Complete(jobID string)
	Fail(jobID string, reason error)
	// Has reports whether the job is queued, delayed or active.
	Has(jobID string) bool
	Counts() QueueSnapshot
}

// Scraper is the consumed contract of the external ad-library scraper.
type Scraper interface {
	// Start launches a scrape of targetURL and returns the opaque run id.
	Start(ctx context.Context, targetURL string) (string, error)
	// Poll returns the run's items, or an empty slice while the external
	// source is still running.
	Poll(ctx context.Context, runID string) ([]AdItem, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
