// Package dispatcher submits scrape jobs and manages worker fan-out.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"adscout/internal/scout"
	"adscout/internal/worker"
)

// Result is returned by Submit for the caller's response payload.
type Result struct {
	RunID string              `json:"run_id"`
	Queue scout.QueueSnapshot `json:"queue"`
}

// Dispatcher enqueues scrape jobs and fans out queue work to a worker pool.
type Dispatcher struct {
	broker  scout.Broker
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(broker scout.Broker, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		broker:  broker,
		workers: workers,
	}
}

// Submit enqueues the job for a run. The job id is derived from the run id,
// so submitting the same run twice leaves exactly one queued job; the
// duplicate is reported as success with the current queue snapshot. Any
// other broker error fails fast so the caller can undo its run row.
func (d *Dispatcher) Submit(ctx context.Context, runID, organisationID string, kind scout.Kind) (Result, error) {
	job := scout.Job{
		ID:             scout.JobID(runID),
		RunID:          runID,
		OrganisationID: organisationID,
		Kind:           kind,
	}
	if err := d.broker.Enqueue(ctx, job); err != nil && !errors.Is(err, scout.ErrDuplicateJob) {
		return Result{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return Result{RunID: runID, Queue: d.broker.Counts()}, nil
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Counts proxies the broker's monitoring snapshot.
func (d *Dispatcher) Counts() scout.QueueSnapshot {
	return d.broker.Counts()
}

// HasJob reports whether a job for the run is queued, delayed or active.
func (d *Dispatcher) HasJob(runID string) bool {
	return d.broker.Has(scout.JobID(runID))
}
