package api

import (
	"encoding/json"
	"time"

	"sentinel/core"

	"github.com/google/uuid"
)

// EventPayload is the body of the ingest route. A missing id is generated and
// a missing timestamp means now.
type EventPayload struct {
	ID        string                 `json:"id,omitempty" msgpack:"id" validate:"omitempty,max=128"`
	Timestamp *time.Time             `json:"timestamp,omitempty" msgpack:"timestamp"`
	Source    string                 `json:"source" msgpack:"source" validate:"required,max=256"`
	Type      string                 `json:"type" msgpack:"type" validate:"required,max=256"`
	Fields    map[string]interface{} `json:"fields,omitempty" msgpack:"fields"`
}

func (p *EventPayload) toEvent(now time.Time) *core.Event {
	ev := &core.Event{
		ID:        p.ID,
		Timestamp: now.UTC(),
		Source:    p.Source,
		Type:      p.Type,
		Fields:    make(map[string]interface{}, len(p.Fields)),
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		ev.Timestamp = p.Timestamp.UTC()
	}
	for k, v := range p.Fields {
		ev.Fields[k] = plainNumbers(v)
	}
	return ev
}

// RulePayload is the body of the rule update route. The id comes from the
// path and the version is assigned by the store.
type RulePayload struct {
	ID          string           `json:"id,omitempty"`
	Version     int              `json:"version,omitempty"`
	Name        string           `json:"name" validate:"required,max=256"`
	Description string           `json:"description,omitempty" validate:"max=4096"`
	Enabled     *bool            `json:"enabled,omitempty"`
	Severity    string           `json:"severity" validate:"required,oneof=info low medium high critical"`
	Action      core.Action      `json:"action" validate:"required,oneof=alert log"`
	Tags        []string         `json:"tags,omitempty" validate:"max=32,dive,max=64"`
	Conditions  []core.Condition `json:"conditions" validate:"required,min=1,max=64"`
}

func (p *RulePayload) toRule(id string) core.Rule {
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	conds := make([]core.Condition, len(p.Conditions))
	for i, c := range p.Conditions {
		c.Value = plainNumbers(c.Value)
		if c.Values != nil {
			values := make([]interface{}, len(c.Values))
			for j, v := range c.Values {
				values[j] = plainNumbers(v)
			}
			c.Values = values
		}
		conds[i] = c
	}
	return core.Rule{
		ID:          id,
		Name:        p.Name,
		Description: p.Description,
		Enabled:     enabled,
		Severity:    p.Severity,
		Action:      p.Action,
		Tags:        p.Tags,
		Conditions:  conds,
	}
}

// plainNumbers replaces json.Number values so payloads store the same way on
// every backend.
func plainNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = plainNumbers(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = plainNumbers(val)
		}
		return out
	}
	return v
}
