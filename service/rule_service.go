package service

import (
	"context"
	"errors"
	"sync"

	"sentinel/core"
	"sentinel/detect"
	"sentinel/storage"

	"go.uber.org/zap"
)

// RuleService reads rules from the active snapshot and writes them through
// the store, refreshing the snapshot after every write.
type RuleService struct {
	engine *detect.Engine
	store  storage.RuleStore
	logger *zap.SugaredLogger

	// serialises save+reload so a slow reload cannot activate a store view
	// older than one already active
	writeMu sync.Mutex
}

// NewRuleService creates a RuleService.
func NewRuleService(engine *detect.Engine, store storage.RuleStore, logger *zap.SugaredLogger) *RuleService {
	return &RuleService{engine: engine, store: store, logger: logger}
}

// List returns every rule of the active snapshot, enabled or not, by id.
func (s *RuleService) List() ([]core.Rule, uint64) {
	rs := s.engine.Snapshot()
	return rs.Rules(), rs.Version()
}

// Get returns a rule from the active snapshot, or from the store when the
// rule was rejected from the snapshot.
func (s *RuleService) Get(ctx context.Context, id string) (*core.Rule, error) {
	if r, ok := s.engine.Snapshot().Rule(id); ok {
		return &r, nil
	}
	return s.store.GetRule(ctx, id)
}

// Save stores rule as the next version of its id and activates it.
func (s *RuleService) Save(ctx context.Context, rule core.Rule) (*core.Rule, error) {
	// the store assigns the version
	if rule.Version < 1 {
		rule.Version = 1
	}
	if err := s.engine.Compile(rule); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored, err := s.store.SaveRule(ctx, &rule)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Rule saved", "rule_id", stored.ID, "version", stored.Version)

	if _, err := s.reloadLocked(ctx); err != nil {
		// the store has the rule; the next reload picks it up
		s.logger.Warnw("Rule saved but rule set was not refreshed", "rule_id", stored.ID, "error", err)
	}
	return stored, nil
}

// Reload rebuilds the active snapshot from the store. Rules that do not
// compile are left out and logged; only a store failure is an error.
func (s *RuleService) Reload(ctx context.Context) (*detect.RuleSet, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *RuleService) reloadLocked(ctx context.Context) (*detect.RuleSet, error) {
	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		return nil, err
	}
	rs, err := s.engine.Load(rules)
	if err != nil {
		s.logger.Warnw("Rule set reloaded with rejected rules", "version", rs.Version(), "error", err)
	}
	return rs, nil
}

// Seed saves every rule whose id the store does not know yet and returns how
// many were added. Existing rules are left alone so edits made through the
// API survive a restart.
func (s *RuleService) Seed(ctx context.Context, rules []core.Rule) (int, error) {
	added := 0
	for _, r := range core.LatestVersions(rules) {
		_, err := s.store.GetRule(ctx, r.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return added, err
		}
		rule := r
		if _, err := s.store.SaveRule(ctx, &rule); err != nil {
			return added, err
		}
		added++
	}
	if added > 0 {
		s.logger.Infow("Seeded rules into store", "count", added)
	}
	return added, nil
}
