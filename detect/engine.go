package detect

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/core"
	"sentinel/metrics"

	"go.uber.org/zap"
)

// Evaluation modes, used as metric labels.
const (
	ModeLive       = "live"
	ModeSimulation = "simulation"
)

// RuleLoader is the part of the storage collaborator the engine reloads from.
type RuleLoader interface {
	LoadRules(ctx context.Context) ([]core.Rule, error)
}

// Engine owns the active rule set. Readers borrow the current snapshot for
// one evaluation; writers build a new snapshot and swap it in atomically.
type Engine struct {
	current       atomic.Pointer[RuleSet]
	regex         *RegexCache
	logger        *zap.SugaredLogger
	now           func() time.Time
	conditionHook func(ruleID string, index int)

	// serialises snapshot builds so versions are strictly increasing
	buildMu sync.Mutex
	version uint64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock sets the time source used to stamp match results.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithConditionHook registers a function called before every condition is
// evaluated, with the rule id and the condition's index.
func WithConditionHook(hook func(ruleID string, index int)) EngineOption {
	return func(e *Engine) { e.conditionHook = hook }
}

// NewEngine creates an engine holding an empty rule set (version 0).
func NewEngine(regex *RegexCache, logger *zap.SugaredLogger, opts ...EngineOption) *Engine {
	e := &Engine{
		regex:  regex,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	empty, _ := NewRuleSet(0, nil, regex)
	e.current.Store(empty)
	return e
}

// Snapshot returns the active rule set.
func (e *Engine) Snapshot() *RuleSet {
	return e.current.Load()
}

// Regex exposes the compiled-pattern cache shared by every snapshot.
func (e *Engine) Regex() *RegexCache {
	return e.regex
}

// Load builds a new snapshot from rules and makes it active. Rules that do not
// compile are skipped and logged; the error reports them but the swap still
// happens.
func (e *Engine) Load(rules []core.Rule) (*RuleSet, error) {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	e.version++
	rs, err := NewRuleSet(e.version, rules, e.regex)
	if err != nil {
		e.logger.Warnw("Some rules were rejected while building rule set", "version", rs.Version(), "error", err)
	}
	e.current.Store(rs)
	metrics.RuleSetVersion.Set(float64(rs.Version()))
	e.logger.Infow("Rule set activated", "version", rs.Version(), "rules", len(rs.rules), "active", rs.ActiveCount())
	return rs, err
}

// Reload loads the latest rules from the store and activates them.
func (e *Engine) Reload(ctx context.Context, loader RuleLoader) (*RuleSet, error) {
	rules, err := loader.LoadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return e.Load(rules)
}

// StartAutoReload reloads the rule set every interval until ctx is done.
func (e *Engine) StartAutoReload(ctx context.Context, loader RuleLoader, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.Reload(ctx, loader); err != nil {
					e.logger.Warnw("Periodic rule reload failed", "error", err)
				}
			}
		}
	}()
}

// Compile checks that a rule would be accepted into a snapshot.
func (e *Engine) Compile(r core.Rule) error {
	_, err := CompileRule(r, e.regex)
	return err
}

// Evaluate matches ev against the active snapshot. The snapshot is pinned for
// the whole call, so a concurrent swap is seen entirely or not at all.
// Evaluating the same event against the same snapshot yields identical
// results except for EvaluatedAt, which comes from the engine clock; under a
// fixed clock (WithClock) the output is byte-identical.
func (e *Engine) Evaluate(ev *core.Event) []core.MatchResult {
	return e.EvaluateWith(e.Snapshot(), ev, ModeLive)
}

// EvaluateWith matches ev against rs. Results are ordered by rule id and
// stamped with a single evaluation time.
func (e *Engine) EvaluateWith(rs *RuleSet, ev *core.Event, mode string) []core.MatchResult {
	start := time.Now()
	hooks := evalHooks{
		onCondition: func(ruleID string, index int) {
			metrics.ConditionEvaluations.Inc()
			if e.conditionHook != nil {
				e.conditionHook(ruleID, index)
			}
		},
		onFault: func(ruleID string, err error) {
			metrics.RuleEvaluationErrors.WithLabelValues(ruleID).Inc()
			e.logger.Debugw("Condition fault treated as non-match", "event_id", ev.ID, "error", err)
		},
	}

	results := rs.evaluate(ev, e.now().UTC(), hooks)

	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	for _, m := range results {
		metrics.RuleMatches.WithLabelValues(m.RuleID, mode).Inc()
	}
	return results
}
