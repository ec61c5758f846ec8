package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Operator names the predicate a Condition applies to a field value.
type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
	OpNumeric  Operator = "numeric"
	OpInSet    Operator = "in"
)

// Comparator is the relation used by numeric conditions.
type Comparator string

const (
	CmpGT  Comparator = "gt"
	CmpGTE Comparator = "gte"
	CmpLT  Comparator = "lt"
	CmpLTE Comparator = "lte"
	CmpEQ  Comparator = "eq"
	CmpNE  Comparator = "ne"
)

// Action is what a live evaluation does with a match.
type Action string

const (
	// ActionAlert creates, persists and notifies an Alert.
	ActionAlert Action = "alert"
	// ActionLog only records the match in the ingest response and logs.
	ActionLog Action = "log"
)

// Severity levels accepted on rules.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var validSeverities = map[string]bool{
	SeverityInfo: true, SeverityLow: true, SeverityMedium: true, SeverityHigh: true, SeverityCritical: true,
}

var ruleIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Condition is the stored form of one predicate over a dotted field path.
// Value is the operand for equals, contains, regex and numeric; Values is the
// operand set for in.
type Condition struct {
	Field    string        `json:"field" yaml:"field" bson:"field"`
	Operator Operator      `json:"operator" yaml:"operator" bson:"operator"`
	Value    interface{}   `json:"value,omitempty" yaml:"value,omitempty" bson:"value,omitempty"`
	Values   []interface{} `json:"values,omitempty" yaml:"values,omitempty" bson:"values,omitempty"`
	Compare  Comparator    `json:"compare,omitempty" yaml:"compare,omitempty" bson:"compare,omitempty"`
}

// Rule is a versioned detection rule: an ordered AND of conditions.
type Rule struct {
	ID          string      `json:"id" yaml:"id" bson:"rule_id"`
	Version     int         `json:"version" yaml:"version" bson:"version"`
	Name        string      `json:"name" yaml:"name" bson:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty" bson:"description,omitempty"`
	Enabled     bool        `json:"enabled" yaml:"enabled" bson:"enabled"`
	Severity    string      `json:"severity" yaml:"severity" bson:"severity"`
	Action      Action      `json:"action" yaml:"action" bson:"action"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty" bson:"tags,omitempty"`
	Conditions  []Condition `json:"conditions" yaml:"conditions" bson:"conditions"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at,omitempty" bson:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"updated_at,omitempty" bson:"updated_at"`
}

// Rules is the document shape of a rule file.
type Rules struct {
	Rules []Rule `json:"rules" yaml:"rules"`
}

// Validate checks structural constraints. Operand compilation (regex syntax,
// numeric operands) is checked by the detect package.
func (r *Rule) Validate() error {
	var fields []FieldError
	if !ruleIDPattern.MatchString(r.ID) {
		fields = append(fields, FieldError{Field: "id", Message: "must be 1-128 characters of letters, digits, '.', '_' or '-'"})
	}
	if r.Version < 1 {
		fields = append(fields, FieldError{Field: "version", Message: "must be at least 1"})
	}
	if strings.TrimSpace(r.Name) == "" {
		fields = append(fields, FieldError{Field: "name", Message: "is required"})
	}
	if !validSeverities[strings.ToLower(r.Severity)] {
		fields = append(fields, FieldError{Field: "severity", Message: "must be one of info, low, medium, high, critical"})
	}
	switch r.Action {
	case ActionAlert, ActionLog:
	default:
		fields = append(fields, FieldError{Field: "action", Message: "must be alert or log"})
	}
	if len(r.Conditions) == 0 {
		fields = append(fields, FieldError{Field: "conditions", Message: "at least one condition is required"})
	}
	for i, c := range r.Conditions {
		if err := c.validate(); err != nil {
			fields = append(fields, FieldError{Field: fmt.Sprintf("conditions[%d]", i), Message: err.Error()})
		}
	}
	if len(fields) > 0 {
		return NewValidationError("invalid rule", fields...)
	}
	return nil
}

func (c Condition) validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("field is required")
	}
	switch c.Operator {
	case OpEquals, OpContains, OpRegex:
		if c.Value == nil {
			return fmt.Errorf("value is required for %s", c.Operator)
		}
	case OpNumeric:
		if c.Value == nil {
			return fmt.Errorf("value is required for numeric")
		}
		switch c.Compare {
		case CmpGT, CmpGTE, CmpLT, CmpLTE, CmpEQ, CmpNE:
		default:
			return fmt.Errorf("compare must be one of gt, gte, lt, lte, eq, ne")
		}
	case OpInSet:
		if len(c.Values) == 0 {
			return fmt.Errorf("values are required for in")
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return nil
}

// LatestVersions keeps the highest version of every rule id and returns them
// sorted by id. Disabled rules are kept; callers decide what to do with them.
func LatestVersions(rules []Rule) []Rule {
	latest := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if cur, ok := latest[r.ID]; !ok || r.Version > cur.Version {
			latest[r.ID] = r
		}
	}
	out := make([]Rule, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
