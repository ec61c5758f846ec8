package service

import (
	"context"
	"time"

	"sentinel/core"
	"sentinel/storage"

	"go.uber.org/zap"
)

// AlertService reads alerts and moves them through their lifecycle
// (new, acknowledged, closed).
type AlertService struct {
	store  storage.AlertStore
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewAlertService creates an AlertService.
func NewAlertService(store storage.AlertStore, logger *zap.SugaredLogger) *AlertService {
	return &AlertService{store: store, now: time.Now, logger: logger}
}

func (s *AlertService) Get(ctx context.Context, id string) (*core.Alert, error) {
	return s.store.GetAlert(ctx, id)
}

func (s *AlertService) List(ctx context.Context, q storage.AlertQuery) ([]*core.Alert, error) {
	if q.Status != "" && !q.Status.IsValid() {
		return nil, core.NewValidationError("invalid alert query",
			core.FieldError{Field: "status", Message: "must be one of new, acknowledged, closed"})
	}
	if q.Limit < 0 {
		return nil, core.NewValidationError("invalid alert query",
			core.FieldError{Field: "limit", Message: "must not be negative"})
	}
	alerts, err := s.store.ListAlerts(ctx, q)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []*core.Alert{}
	}
	return alerts, nil
}

// Acknowledge marks a new alert as picked up by an analyst.
func (s *AlertService) Acknowledge(ctx context.Context, id, by string) (*core.Alert, error) {
	return s.transition(ctx, id, core.AlertStatusAcknowledged, by)
}

// Close marks an alert as needing no further work. Closed is terminal.
func (s *AlertService) Close(ctx context.Context, id, by string) (*core.Alert, error) {
	return s.transition(ctx, id, core.AlertStatusClosed, by)
}

func (s *AlertService) transition(ctx context.Context, id string, to core.AlertStatus, by string) (*core.Alert, error) {
	alert, err := s.store.UpdateAlertStatus(ctx, id, to, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Alert status changed", "alert_id", id, "status", to, "subject", by)
	return alert, nil
}
