package detect

import (
	"errors"
	"fmt"
	"time"

	"sentinel/core"
)

// CompiledRule pairs a rule with its predicates, in declared order.
type CompiledRule struct {
	Rule       core.Rule
	Predicates []Predicate
}

// CompileRule validates a rule and compiles each of its conditions.
func CompileRule(r core.Rule, regex *RegexCache) (*CompiledRule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	cr := &CompiledRule{Rule: r, Predicates: make([]Predicate, 0, len(r.Conditions))}
	for i, c := range r.Conditions {
		p, err := compileCondition(c, regex)
		if err != nil {
			return nil, core.NewValidationError("invalid rule",
				core.FieldError{Field: fmt.Sprintf("conditions[%d]", i), Message: err.Error()})
		}
		cr.Predicates = append(cr.Predicates, p)
	}
	return cr, nil
}

// RuleSet is an immutable snapshot of the rule corpus. It holds the latest
// version of every rule id; only enabled rules take part in evaluation.
// A RuleSet is never modified after NewRuleSet returns.
type RuleSet struct {
	version uint64
	rules   []core.Rule
	active  []*CompiledRule
}

// NewRuleSet builds a snapshot. Rules that fail to compile are left out and
// reported in the returned error; the snapshot is usable either way.
func NewRuleSet(version uint64, rules []core.Rule, regex *RegexCache) (*RuleSet, error) {
	latest := core.LatestVersions(rules)
	rs := &RuleSet{version: version, rules: make([]core.Rule, 0, len(latest))}

	var errs []error
	for _, r := range latest {
		cr, err := CompileRule(r, regex)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s v%d: %w", r.ID, r.Version, err))
			continue
		}
		rs.rules = append(rs.rules, r)
		if r.Enabled {
			rs.active = append(rs.active, cr)
		}
	}
	return rs, errors.Join(errs...)
}

// Version is the snapshot version; it increases with every swap.
func (rs *RuleSet) Version() uint64 { return rs.version }

// Rules returns a copy of the snapshot's rules sorted by id, including
// disabled ones.
func (rs *RuleSet) Rules() []core.Rule {
	out := make([]core.Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Rule returns one rule of the snapshot.
func (rs *RuleSet) Rule(id string) (core.Rule, bool) {
	for _, r := range rs.rules {
		if r.ID == id {
			return r, true
		}
	}
	return core.Rule{}, false
}

// ActiveCount is the number of rules that take part in evaluation.
func (rs *RuleSet) ActiveCount() int { return len(rs.active) }

// evalHooks lets the engine observe evaluation without the snapshot knowing
// about metrics or logging.
type evalHooks struct {
	onCondition func(ruleID string, index int)
	onFault     func(ruleID string, err error)
}

// evaluate matches ev against every active rule in ascending id order. Each
// rule's conditions run in declared order and stop at the first non-match.
func (rs *RuleSet) evaluate(ev *core.Event, at time.Time, hooks evalHooks) []core.MatchResult {
	var results []core.MatchResult
	for _, cr := range rs.active {
		matched, conds := cr.match(ev, hooks)
		if !matched {
			continue
		}
		results = append(results, core.MatchResult{
			RuleID:            cr.Rule.ID,
			RuleVersion:       cr.Rule.Version,
			EventID:           ev.ID,
			MatchedConditions: conds,
			Severity:          cr.Rule.Severity,
			Action:            cr.Rule.Action,
			EvaluatedAt:       at,
		})
	}
	return results
}

func (cr *CompiledRule) match(ev *core.Event, hooks evalHooks) (bool, []core.ConditionMatch) {
	conds := make([]core.ConditionMatch, 0, len(cr.Predicates))
	for i, p := range cr.Predicates {
		if hooks.onCondition != nil {
			hooks.onCondition(cr.Rule.ID, i)
		}
		v, ok := resolveField(ev, p.FieldPath())
		if !ok {
			return false, nil
		}
		hit, err := p.match(v)
		if err != nil {
			if hooks.onFault != nil {
				hooks.onFault(cr.Rule.ID, core.NewRuleEvaluationError(cr.Rule.ID, i, err))
			}
			return false, nil
		}
		if !hit {
			return false, nil
		}
		conds = append(conds, core.ConditionMatch{Index: i, Field: p.FieldPath(), Operator: p.Operator(), Observed: v})
	}
	return true, conds
}
