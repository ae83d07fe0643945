// Package poller runs scrapes outside the queue: a background registry of
// per-run pollers plus the lease sweeper that recovers orphaned runs.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"adscout/internal/metrics"
	"adscout/internal/scout"
)

// Config controls the registry's poll cadence.
type Config struct {
	PollMaxAttempts int
	PollInterval    time.Duration
	LeaseTTL        time.Duration
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

// RunStatus is the registry's view of one tracked run.
type RunStatus struct {
	RunID    string    `json:"run_id"`
	Attempt  int       `json:"attempt"`
	NextPoll time.Time `json:"next_poll"`
}

// Status summarizes the registry for monitoring.
type Status struct {
	Active int         `json:"active"`
	Runs   []RunStatus `json:"runs"`
}

type entry struct {
	cancel   context.CancelFunc
	attempt  int
	nextPoll time.Time
}

// Registry tracks one poll loop per run id. Starting a run that is already
// tracked replaces its loop, so a restart request resets the attempt count.
type Registry struct {
	scraper   scout.Scraper
	runs      scout.RunStore
	creatives scout.CreativeStore
	clock     scout.Clock
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup
}

// NewRegistry constructs a Registry.
func NewRegistry(
	scraper scout.Scraper,
	runs scout.RunStore,
	creatives scout.CreativeStore,
	clock scout.Clock,
	cfg Config,
	logger *zap.Logger,
) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Registry{
		scraper:   scraper,
		runs:      runs,
		creatives: creatives,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

// Start begins (or restarts) polling the run. The previous loop for the same
// run id, if any, is canceled first.
func (r *Registry) Start(ctx context.Context, run scout.Run) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("poller registry is closed")
	}
	if prev, ok := r.entries[run.RunID]; ok {
		prev.cancel()
	}
	// The loop outlives the caller's request; keep its values (trace
	// context) but not its cancelation.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{cancel: cancel, attempt: 0, nextPoll: r.clock.Now()}
	r.entries[run.RunID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.remove(run.RunID, e)
		r.pollRun(loopCtx, run, e)
	}()
	return nil
}

// IsActive reports whether the run is currently being polled.
func (r *Registry) IsActive(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[runID]
	return ok
}

// Stop cancels the run's poll loop if one is tracked.
func (r *Registry) Stop(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[runID]; ok {
		e.cancel()
	}
}

// Status reports the tracked runs and their next poll times.
func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{Active: len(r.entries)}
	for runID, e := range r.entries {
		st.Runs = append(st.Runs, RunStatus{RunID: runID, Attempt: e.attempt, NextPoll: e.nextPoll})
	}
	return st
}

// Close cancels every loop and waits for them to finish.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	for _, e := range r.entries {
		e.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) remove(runID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Only remove our own entry; Start may have replaced it already.
	if cur, ok := r.entries[runID]; ok && cur == e {
		delete(r.entries, runID)
	}
}

// pollRun drives the run with the same poll/transform/persist pipeline the
// queue workers use, minus the broker.
func (r *Registry) pollRun(ctx context.Context, run scout.Run, e *entry) {
	for attempt := 1; attempt <= r.cfg.PollMaxAttempts; attempt++ {
		if attempt > 1 {
			r.mu.Lock()
			e.nextPoll = r.clock.Now().Add(r.cfg.PollInterval)
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
		}
		r.mu.Lock()
		e.attempt = attempt
		r.mu.Unlock()

		if err := r.runs.RenewLease(ctx, run.RunID, r.clock.Now().Add(r.cfg.LeaseTTL)); err != nil {
			r.logger.Warn("renew lease failed", zap.String("run_id", run.RunID), zap.Error(err))
		}

		items, err := r.scraper.Poll(ctx, run.RunID)
		metrics.ObservePollAttempt(err != nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("poll attempt failed",
				zap.String("run_id", run.RunID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if len(items) == 0 {
			continue
		}

		if err := r.persist(ctx, run, items); err != nil {
			r.logger.Error("persist run failed", zap.String("run_id", run.RunID), zap.Error(err))
		}
		return
	}
	r.logger.Warn("poll attempts exhausted",
		zap.String("run_id", run.RunID),
		zap.Int("attempts", r.cfg.PollMaxAttempts),
		zap.Error(scout.ErrPollTimeout),
	)
}

func (r *Registry) persist(ctx context.Context, run scout.Run, items []scout.AdItem) error {
	result := scout.Transform(items, run.RunID, run.OrganisationID, run.Kind, r.clock.Now())
	if len(result.Records) == 0 {
		return fmt.Errorf("run %s: %w", run.RunID, scout.ErrNoValidAds)
	}
	written, err := r.creatives.UpsertBatch(ctx, result.Records)
	if err != nil {
		return fmt.Errorf("upsert creatives for run %s: %w", run.RunID, err)
	}
	metrics.ObserveUpsert(written, result.Dropped)

	if err := r.runs.MarkCompleted(ctx, run.RunID, written, r.clock.Now()); err != nil {
		return fmt.Errorf("mark run %s completed: %w", run.RunID, err)
	}
	metrics.ObserveRunCompleted()

	r.logger.Info("background poll completed run",
		zap.String("run_id", run.RunID),
		zap.Int("scraped_count", written),
	)
	return nil
}
