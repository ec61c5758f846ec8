package detect

import (
	"fmt"
	"time"

	"sentinel/core"
)

// IntRange varies an integer field across generated events: event i gets
// Min + i mod (Max-Min+1).
type IntRange struct {
	Min int `json:"min"`
	Max int `json:"max" validate:"gtefield=Min"`
}

// EventTemplate describes a batch of synthetic events.
type EventTemplate struct {
	Source   string                 `json:"source" validate:"required"`
	Type     string                 `json:"type" validate:"required"`
	Fields   map[string]interface{} `json:"fields"`
	Count    int                    `json:"count" validate:"required,min=1"`
	Interval time.Duration          `json:"interval_ns"`
	Vary     map[string]IntRange    `json:"vary"`
}

// GenerateEvents expands a template into Count events with ids "<prefix>-<n>"
// and timestamps starting at start, Interval apart. The output depends only on
// the arguments.
func GenerateEvents(t EventTemplate, prefix string, start time.Time) []*core.Event {
	events := make([]*core.Event, 0, t.Count)
	for i := 0; i < t.Count; i++ {
		fields := make(map[string]interface{}, len(t.Fields)+len(t.Vary))
		for k, v := range t.Fields {
			fields[k] = v
		}
		for k, r := range t.Vary {
			span := r.Max - r.Min + 1
			if span <= 0 {
				span = 1
			}
			fields[k] = float64(r.Min + i%span)
		}
		events = append(events, &core.Event{
			ID:        fmt.Sprintf("%s-%d", prefix, i+1),
			Timestamp: start.Add(time.Duration(i) * t.Interval).UTC(),
			Source:    t.Source,
			Type:      t.Type,
			Fields:    fields,
		})
	}
	return events
}
