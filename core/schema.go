package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a structured unit of telemetry submitted for detection. Events are
// treated as immutable once ingested.
type Event struct {
	ID        string                 `json:"id" bson:"_id" msgpack:"id"`
	Timestamp time.Time              `json:"timestamp" bson:"timestamp" msgpack:"timestamp"`
	Source    string                 `json:"source" bson:"source" msgpack:"source"`
	Type      string                 `json:"type" bson:"type" msgpack:"type"`
	Fields    map[string]interface{} `json:"fields" bson:"fields" msgpack:"fields"`
}

// NewEvent creates a new Event with a generated UUID
func NewEvent(source, eventType string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Type:      eventType,
		Fields:    make(map[string]interface{}),
	}
}

// Validate checks the minimum shape an event needs to be evaluated.
func (e *Event) Validate() error {
	if e == nil {
		return NewValidationError("event is required")
	}
	var fields []FieldError
	if e.ID == "" {
		fields = append(fields, FieldError{Field: "id", Message: "is required"})
	}
	if e.Type == "" {
		fields = append(fields, FieldError{Field: "type", Message: "is required"})
	}
	if e.Source == "" {
		fields = append(fields, FieldError{Field: "source", Message: "is required"})
	}
	if e.Timestamp.IsZero() {
		fields = append(fields, FieldError{Field: "timestamp", Message: "is required"})
	}
	if len(fields) > 0 {
		return NewValidationError("invalid event", fields...)
	}
	return nil
}

// BatchItem is one entry of a simulation batch: either a decoded event or the
// reason it could not be decoded.
type BatchItem struct {
	Event *Event
	Err   error
}

// DecodeEventBatch decodes every raw message independently so that one
// malformed entry does not prevent the rest from being simulated.
func DecodeEventBatch(raw []json.RawMessage) []BatchItem {
	items := make([]BatchItem, len(raw))
	for i, msg := range raw {
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			items[i] = BatchItem{Err: NewValidationError(fmt.Sprintf("event %d is not a valid event object", i))}
			continue
		}
		items[i] = BatchItem{Event: &ev}
	}
	return items
}

// EventsToBatch wraps already decoded events.
func EventsToBatch(events []*Event) []BatchItem {
	items := make([]BatchItem, len(events))
	for i, ev := range events {
		items[i] = BatchItem{Event: ev}
	}
	return items
}
