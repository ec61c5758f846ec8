package detect

import (
	"context"
	"fmt"
	"time"

	"sentinel/core"
	"sentinel/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Simulator replays a batch of events through the rule engine. It has no
// access to alert storage or notifiers, so a run can never create an alert
// whatever the matched rules' actions are.
type Simulator struct {
	engine *Engine
	logger *zap.SugaredLogger
}

// NewSimulator creates a simulator over engine.
func NewSimulator(engine *Engine, logger *zap.SugaredLogger) *Simulator {
	return &Simulator{engine: engine, logger: logger}
}

// Run evaluates every item of batch against rs in input order. Malformed items
// and panics during evaluation are recorded as per-event errors. When ctx is
// cancelled the run stops before the next event and the partial report is
// returned with ctx's error.
func (s *Simulator) Run(ctx context.Context, batch []core.BatchItem, rs *RuleSet) (*core.SimulationReport, error) {
	if rs == nil {
		rs = s.engine.Snapshot()
	}
	start := time.Now()
	report := &core.SimulationReport{
		RunID:           uuid.New().String(),
		RuleSetVersion:  rs.Version(),
		InputEventCount: len(batch),
		Matches:         []core.MatchResult{},
		Events:          make([]core.EventOutcome, 0, len(batch)),
	}

	for i, item := range batch {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			report.Elapsed = time.Since(start)
			metrics.SimulationRuns.WithLabelValues("cancelled").Inc()
			s.logger.Infow("Simulation cancelled", "run_id", report.RunID, "processed", i, "total", len(batch))
			return report, err
		}

		outcome := core.EventOutcome{Index: i}
		matches, err := s.evaluateOne(item, rs)
		if item.Event != nil {
			outcome.EventID = item.Event.ID
		}
		if err != nil {
			outcome.Error = safeMessage(err)
			report.ErrorCount++
		} else {
			outcome.MatchCount = len(matches)
			report.Matches = append(report.Matches, matches...)
		}
		report.Events = append(report.Events, outcome)
		metrics.SimulationEvents.Inc()
	}

	report.Elapsed = time.Since(start)
	metrics.SimulationRuns.WithLabelValues("completed").Inc()
	s.logger.Infow("Simulation completed",
		"run_id", report.RunID,
		"events", report.InputEventCount,
		"matches", len(report.Matches),
		"errors", report.ErrorCount,
		"elapsed_ms", report.Elapsed.Milliseconds())
	return report, nil
}

func (s *Simulator) evaluateOne(item core.BatchItem, rs *RuleSet) (matches []core.MatchResult, err error) {
	if item.Err != nil {
		return nil, item.Err
	}
	if err := item.Event.Validate(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Panic while simulating event", "event_id", item.Event.ID, "panic", r)
			err = core.NewInternalError(fmt.Errorf("panic: %v", r))
			matches = nil
		}
	}()
	return s.engine.EvaluateWith(rs, item.Event, ModeSimulation), nil
}

// safeMessage keeps internal detail out of reports.
func safeMessage(err error) string {
	e, ok := core.AsError(err)
	if !ok {
		return "event could not be evaluated"
	}
	msg := e.Message
	for _, f := range e.Fields {
		msg += "; " + f.Field + " " + f.Message
	}
	return msg
}
