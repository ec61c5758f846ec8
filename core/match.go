package core

import (
	"time"
)

// ConditionMatch records one condition that held, in declared order, together
// with the value it was evaluated against.
type ConditionMatch struct {
	Index    int         `json:"index"`
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Observed interface{} `json:"observed"`
}

// MatchResult is the outcome of one rule matching one event.
type MatchResult struct {
	RuleID            string           `json:"rule_id"`
	RuleVersion       int              `json:"rule_version"`
	EventID           string           `json:"event_id"`
	MatchedConditions []ConditionMatch `json:"matched_conditions"`
	Severity          string           `json:"severity"`
	Action            Action           `json:"action"`
	EvaluatedAt       time.Time        `json:"evaluated_at"`
}

// EventOutcome summarises one event of a simulation batch.
type EventOutcome struct {
	Index      int    `json:"index"`
	EventID    string `json:"event_id,omitempty"`
	MatchCount int    `json:"match_count"`
	Error      string `json:"error,omitempty"`
}

// SimulationReport is the verdict of a simulation run. It is never persisted.
type SimulationReport struct {
	RunID           string         `json:"run_id"`
	RuleSetVersion  uint64         `json:"rule_set_version"`
	InputEventCount int            `json:"input_event_count"`
	Matches         []MatchResult  `json:"matches"`
	Events          []EventOutcome `json:"events"`
	ErrorCount      int            `json:"error_count"`
	Elapsed         time.Duration  `json:"elapsed_ns"`
	Cancelled       bool           `json:"cancelled,omitempty"`
}
