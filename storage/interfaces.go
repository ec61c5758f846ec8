package storage

import (
	"context"
	"time"

	"sentinel/core"
)

// Query limits shared by every backend.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 10000
)

// AlertStore persists alerts produced by live evaluations.
type AlertStore interface {
	// SaveAlert is idempotent on the alert id so a retried save after a
	// lost acknowledgement does not duplicate the alert.
	SaveAlert(ctx context.Context, alert *core.Alert) error
	GetAlert(ctx context.Context, id string) (*core.Alert, error)
	ListAlerts(ctx context.Context, q AlertQuery) ([]*core.Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, status core.AlertStatus, at time.Time) (*core.Alert, error)
}

// RuleStore keeps every version of every rule.
type RuleStore interface {
	// LoadRules returns the latest version of each rule, sorted by id.
	LoadRules(ctx context.Context) ([]core.Rule, error)
	GetRule(ctx context.Context, id string) (*core.Rule, error)
	// SaveRule stores rule as the next version of its id and returns the
	// stored copy.
	SaveRule(ctx context.Context, rule *core.Rule) (*core.Rule, error)
}

// EventStore keeps ingested events so they can be replayed by simulations.
type EventStore interface {
	SaveEvent(ctx context.Context, event *core.Event) error
	LoadEvents(ctx context.Context, q EventQuery) ([]*core.Event, error)
}

// Store is a complete storage backend.
type Store interface {
	AlertStore
	RuleStore
	EventStore
	Ping(ctx context.Context) error
	Close() error
}

// AlertQuery filters ListAlerts. Results are newest first.
type AlertQuery struct {
	Status core.AlertStatus
	RuleID string
	Limit  int
}

// EventQuery filters LoadEvents. Results are in timestamp order, then id.
type EventQuery struct {
	Source string    `json:"source,omitempty"`
	Type   string    `json:"type,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	Until  time.Time `json:"until,omitempty"`
	Limit  int       `json:"limit,omitempty" validate:"gte=0"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// matches applies q to one event; shared by the in-memory backend and tests.
func (q EventQuery) matches(ev *core.Event) bool {
	if q.Source != "" && ev.Source != q.Source {
		return false
	}
	if q.Type != "" && ev.Type != q.Type {
		return false
	}
	if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !ev.Timestamp.Before(q.Until) {
		return false
	}
	return true
}

func (q AlertQuery) matches(a *core.Alert) bool {
	if q.Status != "" && a.Status != q.Status {
		return false
	}
	if q.RuleID != "" && a.RuleID != q.RuleID {
		return false
	}
	return true
}

// transitionSources lists the statuses an alert may move to `to` from.
func transitionSources(to core.AlertStatus) []core.AlertStatus {
	var from []core.AlertStatus
	for _, s := range []core.AlertStatus{core.AlertStatusNew, core.AlertStatusAcknowledged, core.AlertStatusClosed} {
		if s.CanTransitionTo(to) {
			from = append(from, s)
		}
	}
	return from
}
