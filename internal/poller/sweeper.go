package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"adscout/internal/dispatcher"
	"adscout/internal/metrics"
	"adscout/internal/scout"
)

// submitter is the dispatcher surface the sweeper needs.
type submitter interface {
	Submit(ctx context.Context, runID, organisationID string, kind scout.Kind) (dispatcher.Result, error)
}

// SweeperConfig controls the lease sweep cadence.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	return c
}

// Sweeper re-dispatches incomplete runs whose poll lease has lapsed, which
// happens when the process driving them died. Job-id dedup on the broker
// makes a sweep of a still-running job a no-op.
type Sweeper struct {
	runs   scout.RunStore
	submit submitter
	clock  scout.Clock
	cfg    SweeperConfig
	logger *zap.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(runs scout.RunStore, submit submitter, clock scout.Clock, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Sweeper{
		runs:   runs,
		submit: submit,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Run sweeps on the configured interval until the context finishes.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: every incomplete run with an expired lease is
// re-submitted through the normal dispatch path.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.runs.ListExpiredLeases(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("list expired leases failed", zap.Error(err))
		return
	}
	for _, run := range expired {
		if _, err := s.submit.Submit(ctx, run.RunID, run.OrganisationID, run.Kind); err != nil {
			s.logger.Error("re-dispatch orphaned run failed",
				zap.String("run_id", run.RunID),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveSweeperRestart()
		s.logger.Info("re-dispatched orphaned run",
			zap.String("run_id", run.RunID),
			zap.String("organisation_id", run.OrganisationID),
		)
	}
}
