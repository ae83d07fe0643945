// Package orchestrator ties the run state tracker, dispatcher and poller
// registry into the client-facing scrape flow.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"adscout/internal/dispatcher"
	"adscout/internal/scout"
)

// Reply messages for the three branches of a scrape request.
const (
	MessageStored     = "stored, polling started"
	MessageInProgress = "in progress"
	MessageNotDone    = "not done yet"
	MessageCompleted  = "completed"
)

// Dispatcher is the queue-side surface the service drives.
type Dispatcher interface {
	Submit(ctx context.Context, runID, organisationID string, kind scout.Kind) (dispatcher.Result, error)
	HasJob(runID string) bool
}

// Pollers is the background registry surface the service drives.
type Pollers interface {
	Start(ctx context.Context, run scout.Run) error
	IsActive(runID string) bool
}

// ScrapeRequest describes one client scrape call. RunID may be empty, in
// which case the external source is asked to start a fresh run first.
type ScrapeRequest struct {
	RunID          string     `json:"run_id"`
	OrganisationID string     `json:"organisation_id"`
	SourceURL      string     `json:"source_url"`
	TargetURL      string     `json:"target_url"`
	Kind           scout.Kind `json:"kind"`
	// Background routes the run through the poller registry instead of
	// the durable queue.
	Background bool `json:"background,omitempty"`
}

// ScrapeResponse is the service's answer, shaped by the run's state.
type ScrapeResponse struct {
	RunID     string               `json:"run_id"`
	State     string               `json:"state"`
	Message   string               `json:"message"`
	Creatives []scout.Creative     `json:"creatives,omitempty"`
	Queue     *scout.QueueSnapshot `json:"queue,omitempty"`
}

// Service implements the orchestration flow.
type Service struct {
	runs      scout.RunStore
	creatives scout.CreativeStore
	dispatch  Dispatcher
	pollers   Pollers
	scraper   scout.Scraper
	clock     scout.Clock
	logger    *zap.Logger
}

// New constructs a Service. The scraper may be nil when callers always
// supply a run id.
func New(
	runs scout.RunStore,
	creatives scout.CreativeStore,
	dispatch Dispatcher,
	pollers Pollers,
	scraper scout.Scraper,
	clock scout.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		runs:      runs,
		creatives: creatives,
		dispatch:  dispatch,
		pollers:   pollers,
		scraper:   scraper,
		clock:     clock,
		logger:    logger,
	}
}

// RequestScrape is the single client entry point. Branches on the run's
// tracked state: a new run is stored and dispatched as one logical step, an
// in-flight run is reported without re-dispatching, and a completed run is
// served from persistence with zero external calls.
func (s *Service) RequestScrape(ctx context.Context, req ScrapeRequest) (ScrapeResponse, error) {
	if !req.Kind.Valid() {
		return ScrapeResponse{}, fmt.Errorf("invalid scrape kind %q", req.Kind)
	}
	if req.OrganisationID == "" {
		return ScrapeResponse{}, fmt.Errorf("organisation_id is required")
	}

	runID := req.RunID
	if runID == "" {
		if s.scraper == nil || req.TargetURL == "" {
			return ScrapeResponse{}, fmt.Errorf("run_id or target_url is required")
		}
		started, err := s.scraper.Start(ctx, req.TargetURL)
		if err != nil {
			return ScrapeResponse{}, fmt.Errorf("start external run: %w", err)
		}
		runID = started
	}

	state, err := s.runs.Status(ctx, runID)
	if err != nil {
		return ScrapeResponse{}, fmt.Errorf("check run %s: %w", runID, err)
	}

	switch state {
	case scout.RunStateCompleted:
		return s.serveCompleted(ctx, runID)
	case scout.RunStateInProgress:
		if s.dispatch.HasJob(runID) || (s.pollers != nil && s.pollers.IsActive(runID)) {
			return ScrapeResponse{RunID: runID, State: state.String(), Message: MessageInProgress}, nil
		}
		// Incomplete with nothing actively driving it; the lease sweeper
		// restarts it on its own schedule.
		return ScrapeResponse{RunID: runID, State: state.String(), Message: MessageNotDone}, nil
	default:
		return s.startRun(ctx, req, runID)
	}
}

// startRun stores the run row and dispatches it as one logical step. If
// dispatch fails the row is removed again, so the tracker never holds a run
// nothing can drive to completion.
func (s *Service) startRun(ctx context.Context, req ScrapeRequest, runID string) (ScrapeResponse, error) {
	now := s.clock.Now()
	run := scout.Run{
		RunID:          runID,
		OrganisationID: req.OrganisationID,
		SourceURL:      req.SourceURL,
		TargetURL:      req.TargetURL,
		Kind:           req.Kind,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, scout.ErrRunExists) {
			// Lost a race with a concurrent request for the same run.
			return ScrapeResponse{RunID: runID, State: scout.RunStateInProgress.String(), Message: MessageInProgress}, nil
		}
		return ScrapeResponse{}, fmt.Errorf("create run %s: %w", runID, err)
	}

	if req.Background && s.pollers != nil {
		if err := s.pollers.Start(ctx, run); err != nil {
			s.undoRun(ctx, runID)
			return ScrapeResponse{}, fmt.Errorf("start background poll for run %s: %w", runID, err)
		}
		s.logger.Info("run stored, background polling started",
			zap.String("run_id", runID),
			zap.String("organisation_id", req.OrganisationID),
			zap.String("kind", string(req.Kind)),
		)
		return ScrapeResponse{RunID: runID, State: scout.RunStateInProgress.String(), Message: MessageStored}, nil
	}

	result, err := s.dispatch.Submit(ctx, runID, req.OrganisationID, req.Kind)
	if err != nil {
		s.undoRun(ctx, runID)
		return ScrapeResponse{}, fmt.Errorf("dispatch run %s: %w", runID, err)
	}

	s.logger.Info("run stored, job dispatched",
		zap.String("run_id", runID),
		zap.String("organisation_id", req.OrganisationID),
		zap.String("kind", string(req.Kind)),
	)
	return ScrapeResponse{
		RunID:   runID,
		State:   scout.RunStateInProgress.String(),
		Message: MessageStored,
		Queue:   &result.Queue,
	}, nil
}

func (s *Service) undoRun(ctx context.Context, runID string) {
	if err := s.runs.DeleteRun(ctx, runID); err != nil {
		s.logger.Error("undo run row failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (s *Service) serveCompleted(ctx context.Context, runID string) (ScrapeResponse, error) {
	creatives, err := s.creatives.ListByRun(ctx, runID)
	if err != nil {
		return ScrapeResponse{}, fmt.Errorf("list creatives for run %s: %w", runID, err)
	}
	return ScrapeResponse{
		RunID:     runID,
		State:     scout.RunStateCompleted.String(),
		Message:   MessageCompleted,
		Creatives: creatives,
	}, nil
}

// GetRun returns the tracked run row.
func (s *Service) GetRun(ctx context.Context, runID string) (scout.Run, error) {
	return s.runs.GetRun(ctx, runID)
}

// GetResults returns the persisted creatives for a completed run. An
// incomplete run yields an empty slice with the run's current state.
func (s *Service) GetResults(ctx context.Context, runID string) (scout.RunState, []scout.Creative, error) {
	state, err := s.runs.Status(ctx, runID)
	if err != nil {
		return scout.RunStateUnknown, nil, fmt.Errorf("check run %s: %w", runID, err)
	}
	if state != scout.RunStateCompleted {
		return state, nil, nil
	}
	creatives, err := s.creatives.ListByRun(ctx, runID)
	if err != nil {
		return state, nil, fmt.Errorf("list creatives for run %s: %w", runID, err)
	}
	return state, creatives, nil
}
