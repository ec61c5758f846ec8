package core

import (
	"time"

	"github.com/google/uuid"
)

// Alert is a persisted, actionable match produced by a live evaluation.
type Alert struct {
	ID          string      `json:"id" bson:"_id"`
	EventID     string      `json:"event_id" bson:"event_id"`
	RuleID      string      `json:"rule_id" bson:"rule_id"`
	RuleVersion int         `json:"rule_version" bson:"rule_version"`
	Severity    string      `json:"severity" bson:"severity"`
	Status      AlertStatus `json:"status" bson:"status"`
	TraceID     string      `json:"trace_id,omitempty" bson:"trace_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" bson:"updated_at"`
}

// NewAlert creates a new alert for a match, copying the rule's severity.
func NewAlert(m MatchResult, traceID string, now time.Time) *Alert {
	return &Alert{
		ID:          uuid.New().String(),
		EventID:     m.EventID,
		RuleID:      m.RuleID,
		RuleVersion: m.RuleVersion,
		Severity:    m.Severity,
		Status:      AlertStatusNew,
		TraceID:     traceID,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}
