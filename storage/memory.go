package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"sentinel/core"
)

// DefaultMemoryEventCapacity bounds the events a MemoryStore retains.
const DefaultMemoryEventCapacity = 10000

// MemoryStore is a process-local Store. Events beyond capacity evict the
// oldest one.
type MemoryStore struct {
	mu       sync.RWMutex
	alerts   map[string]*core.Alert
	rules    map[string][]core.Rule
	events   []*core.Event
	capacity int
	now      func() time.Time
	closed   bool
}

// NewMemoryStore creates an empty store keeping up to eventCapacity events.
func NewMemoryStore(eventCapacity int) *MemoryStore {
	if eventCapacity <= 0 {
		eventCapacity = DefaultMemoryEventCapacity
	}
	return &MemoryStore{
		alerts:   make(map[string]*core.Alert),
		rules:    make(map[string][]core.Rule),
		capacity: eventCapacity,
		now:      time.Now,
	}
}

func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return core.NewPermanentStorageError("memory store", ErrStoreClosed)
	}
	return nil
}

func (m *MemoryStore) SaveAlert(ctx context.Context, alert *core.Alert) error {
	if err := ctx.Err(); err != nil {
		return classify("save alert", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, exists := m.alerts[alert.ID]; exists {
		return nil
	}
	cp := *alert
	m.alerts[alert.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	a, ok := m.alerts[id]
	if !ok {
		return nil, notFound("alert")
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAlerts(ctx context.Context, q AlertQuery) ([]*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]*core.Alert, 0)
	for _, a := range m.alerts {
		if q.matches(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := normalizeLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateAlertStatus(ctx context.Context, id string, status core.AlertStatus, at time.Time) (*core.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	a, ok := m.alerts[id]
	if !ok {
		return nil, notFound("alert")
	}
	if !a.Status.CanTransitionTo(status) {
		return nil, invalidTransition(a.Status, status)
	}
	a.Status = status
	a.UpdatedAt = at.UTC()
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) LoadRules(ctx context.Context) ([]core.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]core.Rule, 0, len(m.rules))
	for _, versions := range m.rules {
		out = append(out, copyRule(versions[len(versions)-1]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetRule(ctx context.Context, id string) (*core.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	versions, ok := m.rules[id]
	if !ok {
		return nil, notFound("rule")
	}
	r := copyRule(versions[len(versions)-1])
	return &r, nil
}

func (m *MemoryStore) SaveRule(ctx context.Context, rule *core.Rule) (*core.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	stored := copyRule(*rule)
	now := m.now().UTC()
	versions := m.rules[rule.ID]
	stored.Version = 1
	stored.CreatedAt = now
	if len(versions) > 0 {
		latest := versions[len(versions)-1]
		stored.Version = latest.Version + 1
		stored.CreatedAt = versions[0].CreatedAt
	}
	stored.UpdatedAt = now
	m.rules[rule.ID] = append(versions, stored)
	out := copyRule(stored)
	return &out, nil
}

func (m *MemoryStore) SaveEvent(ctx context.Context, event *core.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if len(m.events) >= m.capacity {
		copy(m.events, m.events[1:])
		m.events = m.events[:len(m.events)-1]
	}
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStore) LoadEvents(ctx context.Context, q EventQuery) ([]*core.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]*core.Event, 0)
	for _, ev := range m.events {
		if q.matches(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if limit := normalizeLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkOpen()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyRule(r core.Rule) core.Rule {
	r.Conditions = append([]core.Condition(nil), r.Conditions...)
	for i := range r.Conditions {
		r.Conditions[i].Values = append([]interface{}(nil), r.Conditions[i].Values...)
	}
	r.Tags = append([]string(nil), r.Tags...)
	return r
}
