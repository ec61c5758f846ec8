package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"sentinel/core"

	"github.com/dlclark/regexp2"
)

// Predicate is the compiled form of a condition. The set of implementations
// is closed: FieldEquals, FieldContains, FieldRegexMatch, FieldNumericCompare
// and FieldInSet. New operators are added here and in compileCondition.
type Predicate interface {
	FieldPath() string
	Operator() core.Operator
	match(v interface{}) (bool, error)
}

// FieldEquals holds when the field equals Value. Numbers compare by value
// regardless of their Go type; strings compare exactly.
type FieldEquals struct {
	Path  string
	Value interface{}
}

func (p FieldEquals) FieldPath() string       { return p.Path }
func (p FieldEquals) Operator() core.Operator { return core.OpEquals }
func (p FieldEquals) match(v interface{}) (bool, error) {
	return valuesEqual(v, p.Value), nil
}

// FieldContains holds when a string field contains Substring, or when an
// array field has an element equal to Substring.
type FieldContains struct {
	Path      string
	Substring string
}

func (p FieldContains) FieldPath() string       { return p.Path }
func (p FieldContains) Operator() core.Operator { return core.OpContains }
func (p FieldContains) match(v interface{}) (bool, error) {
	switch t := v.(type) {
	case string:
		return strings.Contains(t, p.Substring), nil
	case []interface{}:
		for _, el := range t {
			if s, ok := el.(string); ok && s == p.Substring {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

// FieldRegexMatch holds when the scalar field matches Pattern.
type FieldRegexMatch struct {
	Path    string
	Pattern string
	re      *regexp2.Regexp
}

func (p FieldRegexMatch) FieldPath() string       { return p.Path }
func (p FieldRegexMatch) Operator() core.Operator { return core.OpRegex }
func (p FieldRegexMatch) match(v interface{}) (bool, error) {
	s, ok := scalarString(v)
	if !ok {
		return false, nil
	}
	return matchRegex(p.re, s)
}

// FieldNumericCompare holds when the field, read as a number, satisfies
// Compare against Operand. Numeric strings are parsed; anything else is a
// non-match.
type FieldNumericCompare struct {
	Path    string
	Compare core.Comparator
	Operand float64
}

func (p FieldNumericCompare) FieldPath() string       { return p.Path }
func (p FieldNumericCompare) Operator() core.Operator { return core.OpNumeric }
func (p FieldNumericCompare) match(v interface{}) (bool, error) {
	n, ok := toFloat(v)
	if !ok {
		if s, isStr := v.(string); isStr {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return false, nil
			}
			n = f
		} else {
			return false, nil
		}
	}
	if math.IsNaN(n) {
		return false, nil
	}
	switch p.Compare {
	case core.CmpGT:
		return n > p.Operand, nil
	case core.CmpGTE:
		return n >= p.Operand, nil
	case core.CmpLT:
		return n < p.Operand, nil
	case core.CmpLTE:
		return n <= p.Operand, nil
	case core.CmpEQ:
		return n == p.Operand, nil
	case core.CmpNE:
		return n != p.Operand, nil
	}
	return false, fmt.Errorf("unknown comparator %q", p.Compare)
}

// FieldInSet holds when the field equals one of Members.
type FieldInSet struct {
	Path    string
	Members []interface{}
	strings map[string]struct{}
}

func (p FieldInSet) FieldPath() string       { return p.Path }
func (p FieldInSet) Operator() core.Operator { return core.OpInSet }
func (p FieldInSet) match(v interface{}) (bool, error) {
	if s, ok := v.(string); ok {
		_, hit := p.strings[s]
		return hit, nil
	}
	for _, m := range p.Members {
		if valuesEqual(v, m) {
			return true, nil
		}
	}
	return false, nil
}

// compileCondition turns the stored form into its predicate variant.
func compileCondition(c core.Condition, regex *RegexCache) (Predicate, error) {
	switch c.Operator {
	case core.OpEquals:
		return FieldEquals{Path: c.Field, Value: normalizeOperand(c.Value)}, nil

	case core.OpContains:
		s, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("contains operand must be a string")
		}
		return FieldContains{Path: c.Field, Substring: s}, nil

	case core.OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("regex operand must be a string")
		}
		re, err := regex.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return FieldRegexMatch{Path: c.Field, Pattern: pattern, re: re}, nil

	case core.OpNumeric:
		n, ok := toFloat(normalizeOperand(c.Value))
		if !ok || math.IsNaN(n) {
			return nil, fmt.Errorf("numeric operand must be a number")
		}
		switch c.Compare {
		case core.CmpGT, core.CmpGTE, core.CmpLT, core.CmpLTE, core.CmpEQ, core.CmpNE:
		default:
			return nil, fmt.Errorf("unknown comparator %q", c.Compare)
		}
		return FieldNumericCompare{Path: c.Field, Compare: c.Compare, Operand: n}, nil

	case core.OpInSet:
		if len(c.Values) == 0 {
			return nil, fmt.Errorf("in requires at least one value")
		}
		p := FieldInSet{Path: c.Field, strings: make(map[string]struct{})}
		for _, m := range c.Values {
			m = normalizeOperand(m)
			p.Members = append(p.Members, m)
			if s, ok := m.(string); ok {
				p.strings[s] = struct{}{}
			}
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown operator %q", c.Operator)
}

func normalizeOperand(v interface{}) interface{} {
	if n, ok := toFloat(v); ok {
		return n
	}
	return v
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch ta := a.(type) {
	case string:
		tb, ok := b.(string)
		return ok && ta == tb
	case bool:
		tb, ok := b.(bool)
		return ok && ta == tb
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}
