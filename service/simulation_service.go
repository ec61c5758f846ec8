package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sentinel/core"
	"sentinel/detect"
	"sentinel/storage"

	"go.uber.org/zap"
)

// SimulationLimits bound one simulation run.
type SimulationLimits struct {
	MaxEvents    int
	MaxGenerated int
	Timeout      time.Duration
}

// DefaultSimulationLimits returns the limits used when none are configured.
func DefaultSimulationLimits() SimulationLimits {
	return SimulationLimits{MaxEvents: 10000, MaxGenerated: 1000, Timeout: 30 * time.Second}
}

// SimulationRequest names exactly one batch source: inline events, a query
// over stored events, or a template of synthetic events.
type SimulationRequest struct {
	Events   []json.RawMessage     `json:"events,omitempty"`
	Query    *storage.EventQuery   `json:"query,omitempty"`
	Generate *detect.EventTemplate `json:"generate,omitempty"`
}

// Validate checks that exactly one source is set.
func (r *SimulationRequest) Validate() error {
	sources := 0
	if r.Events != nil {
		sources++
	}
	if r.Query != nil {
		sources++
	}
	if r.Generate != nil {
		sources++
	}
	if sources != 1 {
		return core.NewValidationError("invalid simulation request",
			core.FieldError{Field: "events", Message: "exactly one of events, query or generate is required"})
	}
	return nil
}

// EventLoader is the read side of the event store used for replays.
type EventLoader interface {
	LoadEvents(ctx context.Context, q storage.EventQuery) ([]*core.Event, error)
}

// SimulationService builds batches and runs them through the simulator. It
// holds no alert store or notifier.
type SimulationService struct {
	simulator *detect.Simulator
	engine    *detect.Engine
	events    EventLoader
	limits    SimulationLimits
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// NewSimulationService creates a SimulationService. events may be nil, in
// which case query sources are rejected.
func NewSimulationService(engine *detect.Engine, events EventLoader, limits SimulationLimits, logger *zap.SugaredLogger) *SimulationService {
	return &SimulationService{
		simulator: detect.NewSimulator(engine, logger),
		engine:    engine,
		events:    events,
		limits:    limits,
		now:       time.Now,
		logger:    logger,
	}
}

// Run simulates the requested batch against the active rule set. When the
// run exceeds the configured timeout the partial report is returned with
// Cancelled set; when the caller goes away the caller's error is returned.
func (s *SimulationService) Run(ctx context.Context, req *SimulationRequest) (*core.SimulationReport, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	batch, err := s.batch(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if s.limits.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.limits.Timeout)
		defer cancel()
	}

	report, err := s.simulator.Run(runCtx, batch, s.engine.Snapshot())
	if err == nil {
		return report, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warnw("Simulation stopped at timeout", "run_id", report.RunID, "timeout", s.limits.Timeout,
			"processed", len(report.Events), "total", report.InputEventCount)
		return report, nil
	}
	return nil, err
}

func (s *SimulationService) batch(ctx context.Context, req *SimulationRequest) ([]core.BatchItem, error) {
	switch {
	case req.Events != nil:
		if s.limits.MaxEvents > 0 && len(req.Events) > s.limits.MaxEvents {
			return nil, tooMany("events", s.limits.MaxEvents)
		}
		return core.DecodeEventBatch(req.Events), nil

	case req.Query != nil:
		if s.events == nil {
			return nil, core.NewValidationError("invalid simulation request",
				core.FieldError{Field: "query", Message: "stored events are not available"})
		}
		q := *req.Query
		if q.Limit <= 0 || (s.limits.MaxEvents > 0 && q.Limit > s.limits.MaxEvents) {
			q.Limit = s.limits.MaxEvents
		}
		events, err := s.events.LoadEvents(ctx, q)
		if err != nil {
			return nil, err
		}
		return core.EventsToBatch(events), nil

	default:
		t := *req.Generate
		if t.Count < 1 {
			return nil, core.NewValidationError("invalid simulation request",
				core.FieldError{Field: "generate.count", Message: "must be at least 1"})
		}
		if s.limits.MaxGenerated > 0 && t.Count > s.limits.MaxGenerated {
			return nil, tooMany("generate.count", s.limits.MaxGenerated)
		}
		return core.EventsToBatch(detect.GenerateEvents(t, "gen", s.now().UTC())), nil
	}
}

func tooMany(field string, limit int) error {
	return core.NewValidationError("simulation batch too large",
		core.FieldError{Field: field, Message: fmt.Sprintf("must not exceed %d events", limit)})
}
