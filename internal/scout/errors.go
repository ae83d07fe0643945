package scout

import "errors"

// Sentinel errors shared across the orchestration pipeline.
var (
	// ErrDuplicateJob is returned by the broker when the deterministic job
	// id is already queued, delayed or active.
	ErrDuplicateJob = errors.New("job id already enqueued")

	// ErrPollTimeout means the poll loop exhausted every attempt without
	// the external source producing a result. Job-fatal; the broker
	// retries it.
	ErrPollTimeout = errors.New("external source did not finish in time")

	// ErrNoValidAds means the external source returned items but none
	// carried a usable identifier. Job-fatal, distinct from a timeout.
	ErrNoValidAds = errors.New("no valid ads in scrape result")

	// ErrRunNotFound is returned by run stores for unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned when creating a run row that already exists.
	ErrRunExists = errors.New("run already exists")
)
