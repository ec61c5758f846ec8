package service

import (
	"context"
	"time"

	"sentinel/core"
	"sentinel/detect"
	"sentinel/metrics"
	"sentinel/storage"

	"go.uber.org/zap"
)

// IngestResult is the verdict of one live evaluation plus what happened to
// the alerts it produced.
type IngestResult struct {
	EventID        string                 `json:"event_id"`
	RuleSetVersion uint64                 `json:"rule_set_version"`
	Matches        []core.MatchResult     `json:"matches"`
	Alerts         []*core.Alert          `json:"alerts"`
	Persistence    core.PersistenceStatus `json:"persistence"`
}

// Degraded reports whether the verdict was returned without every alert
// durably saved.
func (r *IngestResult) Degraded() bool {
	return r.Persistence.Degraded()
}

// EventService runs live evaluations.
type EventService struct {
	engine     *detect.Engine
	events     storage.EventStore
	dispatcher *AlertDispatcher
	now        func() time.Time
	logger     *zap.SugaredLogger
}

// NewEventService creates the live ingestion service. events may be nil, in
// which case ingested events are not kept for replay.
func NewEventService(engine *detect.Engine, events storage.EventStore, dispatcher *AlertDispatcher, logger *zap.SugaredLogger) *EventService {
	return &EventService{
		engine:     engine,
		events:     events,
		dispatcher: dispatcher,
		now:        time.Now,
		logger:     logger,
	}
}

// Ingest evaluates ev against the active rule set, creates an alert for every
// match whose rule action is alert and dispatches them. Storage trouble is
// reported through Persistence and never replaces the verdict.
func (s *EventService) Ingest(ctx context.Context, ev *core.Event, traceID string) (*IngestResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	metrics.EventsIngested.WithLabelValues(ev.Source).Inc()

	if s.events != nil {
		if err := s.events.SaveEvent(ctx, ev); err != nil {
			s.logger.Warnw("Failed to store event for replay", "event_id", ev.ID, "trace_id", traceID, "error", err)
		}
	}

	rs := s.engine.Snapshot()
	matches := s.engine.EvaluateWith(rs, ev, detect.ModeLive)

	result := &IngestResult{
		EventID:        ev.ID,
		RuleSetVersion: rs.Version(),
		Matches:        matches,
		Alerts:         []*core.Alert{},
	}
	if result.Matches == nil {
		result.Matches = []core.MatchResult{}
	}

	now := s.now()
	for _, m := range matches {
		if m.Action != core.ActionAlert {
			s.logger.Infow("Rule matched", "rule_id", m.RuleID, "event_id", ev.ID, "trace_id", traceID, "action", m.Action)
			continue
		}
		alert := core.NewAlert(m, traceID, now)
		result.Alerts = append(result.Alerts, alert)
		metrics.AlertsGenerated.WithLabelValues(alert.Severity).Inc()
	}

	result.Persistence = s.dispatcher.Dispatch(ctx, result.Alerts)
	if result.Degraded() {
		s.logger.Warnw("Verdict returned with degraded alert persistence",
			"event_id", ev.ID,
			"trace_id", traceID,
			"alerts", len(result.Alerts),
			"persistence", result.Persistence)
	}
	return result, nil
}
