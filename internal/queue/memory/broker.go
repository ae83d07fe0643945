// Package memory provides the in-process job broker.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"adscout/internal/metrics"
	"adscout/internal/scout"
)

// ErrClosed is returned by blocked consumers when the broker shuts down.
var ErrClosed = errors.New("broker closed")

// Config controls retry, backoff and retention behavior.
type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	KeepCompleted int
	KeepFailed    int
	StallTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 10
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = 50
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 90 * time.Second
	}
	return c
}

type jobPhase int

const (
	phaseWaiting jobPhase = iota
	phaseDelayed
	phaseActive
)

type jobEntry struct {
	job       scout.Job
	phase     jobPhase
	attempts  int
	readyAt   time.Time
	heartbeat time.Time
}

// CompletedRecord is one entry of the bounded completed history.
type CompletedRecord struct {
	Job         scout.Job
	CompletedAt time.Time
}

// FailedRecord is one entry of the bounded failed history.
type FailedRecord struct {
	Job      scout.Job
	Reason   string
	FailedAt time.Time
}

// Broker is an in-process job queue with deterministic-id dedup, bounded
// retry with exponential backoff, and heartbeat-based stall detection.
type Broker struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	jobs      map[string]*jobEntry
	order     []string // waiting ids, FIFO
	completed []CompletedRecord
	failed    []FailedRecord
	nComplete int
	nFailed   int
	closed    bool
	wake      chan struct{}
}

// NewBroker constructs a Broker with the provided config.
func NewBroker(cfg Config, logger *zap.Logger) *Broker {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg:    cfg.withDefaults(),
		logger: logger,
		jobs:   make(map[string]*jobEntry),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue adds a job keyed by its deterministic id. A job id that is already
// waiting, delayed or active is rejected with scout.ErrDuplicateJob, which is
// how at-most-one concurrent job per run is enforced.
func (b *Broker) Enqueue(ctx context.Context, job scout.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	if job.ID == "" {
		return errors.New("job id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, exists := b.jobs[job.ID]; exists {
		return scout.ErrDuplicateJob
	}
	b.jobs[job.ID] = &jobEntry{job: job, phase: phaseWaiting}
	b.order = append(b.order, job.ID)
	b.signal()
	return nil
}

// Next blocks until a job is ready, marks it active and returns it. Delayed
// jobs become eligible once their backoff elapses.
func (b *Broker) Next(ctx context.Context) (scout.Job, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return scout.Job{}, ErrClosed
		}
		now := time.Now()
		if entry, ok := b.takeReady(now); ok {
			job := entry.job
			// Wake another consumer if more work is already eligible;
			// the single-slot wake channel coalesces signals.
			if b.hasReady(now) {
				b.signal()
			}
			b.mu.Unlock()
			return job, nil
		}
		wait := b.nextWakeup(now)
		b.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return scout.Job{}, fmt.Errorf("next canceled: %w", ctx.Err())
		case <-b.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// takeReady pops the next eligible job and flips it to active. Caller holds
// the lock.
func (b *Broker) takeReady(now time.Time) (*jobEntry, bool) {
	for i, id := range b.order {
		entry := b.jobs[id]
		if entry == nil || entry.phase != phaseWaiting {
			continue
		}
		b.order = append(b.order[:i:i], b.order[i+1:]...)
		return b.activate(entry, now), true
	}
	for _, entry := range b.jobs {
		if entry.phase == phaseDelayed && !entry.readyAt.After(now) {
			return b.activate(entry, now), true
		}
	}
	return nil, false
}

func (b *Broker) activate(entry *jobEntry, now time.Time) *jobEntry {
	entry.phase = phaseActive
	entry.attempts++
	entry.heartbeat = now
	entry.job.Attempt = entry.attempts
	return entry
}

// hasReady reports whether any job is immediately eligible. Caller holds
// the lock.
func (b *Broker) hasReady(now time.Time) bool {
	for _, entry := range b.jobs {
		if entry.phase == phaseWaiting {
			return true
		}
		if entry.phase == phaseDelayed && !entry.readyAt.After(now) {
			return true
		}
	}
	return false
}

// nextWakeup returns how long Next may sleep before a delayed job could
// become eligible. Zero means sleep until signaled.
func (b *Broker) nextWakeup(now time.Time) time.Duration {
	var wait time.Duration
	for _, entry := range b.jobs {
		if entry.phase != phaseDelayed {
			continue
		}
		d := entry.readyAt.Sub(now)
		if d <= 0 {
			return time.Millisecond
		}
		if wait == 0 || d < wait {
			wait = d
		}
	}
	return wait
}

// Heartbeat renews the processing lease on an active job.
func (b *Broker) Heartbeat(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.jobs[jobID]; ok && entry.phase == phaseActive {
		entry.heartbeat = time.Now()
	}
}

// Complete removes the job and records it in the bounded completed history.
func (b *Broker) Complete(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.jobs[jobID]
	if !ok || entry.phase != phaseActive {
		return
	}
	delete(b.jobs, jobID)
	b.nComplete++
	b.completed = append(b.completed, CompletedRecord{Job: entry.job, CompletedAt: time.Now()})
	if len(b.completed) > b.cfg.KeepCompleted {
		b.completed = b.completed[len(b.completed)-b.cfg.KeepCompleted:]
	}
}

// Fail records a failed attempt. Jobs with attempts left are delayed with
// exponential backoff; exhausted jobs land in the bounded failed history.
func (b *Broker) Fail(jobID string, reason error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.jobs[jobID]
	if !ok || entry.phase != phaseActive {
		return
	}
	if entry.attempts >= b.cfg.MaxAttempts {
		delete(b.jobs, jobID)
		b.nFailed++
		reasonText := ""
		if reason != nil {
			reasonText = reason.Error()
		}
		b.failed = append(b.failed, FailedRecord{Job: entry.job, Reason: reasonText, FailedAt: time.Now()})
		if len(b.failed) > b.cfg.KeepFailed {
			b.failed = b.failed[len(b.failed)-b.cfg.KeepFailed:]
		}
		b.logger.Warn("job failed terminally",
			zap.String("job_id", jobID),
			zap.Int("attempts", entry.attempts),
			zap.NamedError("reason", reason),
		)
		return
	}
	entry.phase = phaseDelayed
	entry.readyAt = time.Now().Add(b.backoff(entry.attempts))
	b.signal()
}

// backoff doubles per consumed attempt: base, 2*base, 4*base, ...
func (b *Broker) backoff(attempts int) time.Duration {
	d := b.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// Has reports whether the job id is queued, delayed or active.
func (b *Broker) Has(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.jobs[jobID]
	return ok
}

// Counts returns the monitoring snapshot. Completed and failed are
// cumulative totals; the histories themselves are retention-bounded.
func (b *Broker) Counts() scout.QueueSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := scout.QueueSnapshot{Completed: b.nComplete, Failed: b.nFailed}
	for _, entry := range b.jobs {
		switch entry.phase {
		case phaseWaiting:
			snap.Waiting++
		case phaseDelayed:
			snap.Delayed++
		case phaseActive:
			snap.Active++
		}
	}
	snap.Total = snap.Waiting + snap.Active + snap.Delayed + snap.Completed + snap.Failed
	return snap
}

// CompletedHistory returns the retained completed records, oldest first.
func (b *Broker) CompletedHistory() []CompletedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CompletedRecord, len(b.completed))
	copy(out, b.completed)
	return out
}

// FailedHistory returns the retained failed records, oldest first.
func (b *Broker) FailedHistory() []FailedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FailedRecord, len(b.failed))
	copy(out, b.failed)
	return out
}

// Reap requeues active jobs whose heartbeat is older than the stall timeout
// and returns how many were requeued. A reaped job may still be running in a
// wedged worker; the duplicate execution is safe because persistence is
// idempotent.
func (b *Broker) Reap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-b.cfg.StallTimeout)
	requeued := 0
	for id, entry := range b.jobs {
		if entry.phase != phaseActive || entry.heartbeat.After(cutoff) {
			continue
		}
		entry.phase = phaseWaiting
		b.order = append(b.order, id)
		requeued++
		b.logger.Warn("requeued stalled job",
			zap.String("job_id", id),
			zap.Time("last_heartbeat", entry.heartbeat),
		)
	}
	if requeued > 0 {
		b.signal()
	}
	return requeued
}

// StartReaper runs the stalled-job detector until the context finishes. It
// blocks, so callers run it in its own goroutine. Each tick also refreshes
// the queue depth gauges.
func (b *Broker) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < b.Reap(); i++ {
				metrics.ObserveStalledRequeue()
			}
			b.publishDepth()
		}
	}
}

// publishDepth exports the live phase counts as gauges.
func (b *Broker) publishDepth() {
	snap := b.Counts()
	metrics.SetQueueDepth("waiting", snap.Waiting)
	metrics.SetQueueDepth("active", snap.Active)
	metrics.SetQueueDepth("delayed", snap.Delayed)
}

// Close wakes blocked consumers and rejects further work.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

// signal wakes one blocked consumer. Caller holds the lock.
func (b *Broker) signal() {
	if b.closed {
		return
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
