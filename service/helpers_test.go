package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sentinel/core"
	"sentinel/detect"
	"sentinel/storage"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

func newTestEngine(t *testing.T, rules ...core.Rule) *detect.Engine {
	t.Helper()
	regex, err := detect.NewRegexCache(16, 50*time.Millisecond)
	require.NoError(t, err)
	e := detect.NewEngine(regex, testLogger(t), detect.WithClock(func() time.Time { return baseTime }))
	if len(rules) > 0 {
		_, err := e.Load(rules)
		require.NoError(t, err)
	}
	return e
}

func newTestPool(t *testing.T) *core.WorkerPool {
	t.Helper()
	pool := core.NewWorkerPool(context.Background(), "test-persist", 2, 16, testLogger(t))
	pool.Start()
	t.Cleanup(func() { pool.Stop(time.Second) })
	return pool
}

func fastPolicy() PersistPolicy {
	return PersistPolicy{
		MaxAttempts:     4,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Wait:            time.Second,
	}
}

func alertRule(id, severity string) core.Rule {
	return core.Rule{
		ID:       id,
		Version:  1,
		Name:     "rule " + id,
		Enabled:  true,
		Severity: severity,
		Action:   core.ActionAlert,
		Conditions: []core.Condition{
			{Field: "type", Operator: core.OpEquals, Value: "login_failure"},
			{Field: "count", Operator: core.OpNumeric, Compare: core.CmpGTE, Value: 5},
		},
	}
}

func logRule(id string) core.Rule {
	r := alertRule(id, core.SeverityLow)
	r.Action = core.ActionLog
	return r
}

func loginFailure(id string, count float64) *core.Event {
	return &core.Event{
		ID:        id,
		Timestamp: baseTime,
		Source:    "idp",
		Type:      "login_failure",
		Fields:    map[string]interface{}{"count": count},
	}
}

// flakyAlertStore wraps a MemoryStore and fails SaveAlert according to a
// script: each call pops the next error, nil meaning delegate.
type flakyAlertStore struct {
	*storage.MemoryStore

	mu      sync.Mutex
	script  []error
	always  error
	calls   int
	release chan struct{}
}

func newFlakyStore(script ...error) *flakyAlertStore {
	return &flakyAlertStore{MemoryStore: storage.NewMemoryStore(0), script: script}
}

func (f *flakyAlertStore) SaveAlert(ctx context.Context, alert *core.Alert) error {
	f.mu.Lock()
	f.calls++
	var err error
	if len(f.script) > 0 {
		err = f.script[0]
		f.script = f.script[1:]
	} else if f.always != nil {
		err = f.always
	}
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return core.NewTransientStorageError("save alert", ctx.Err())
		}
	}
	if err != nil {
		return err
	}
	return f.MemoryStore.SaveAlert(ctx, alert)
}

func (f *flakyAlertStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func transientErr() error {
	return core.NewTransientStorageError("save alert", errors.New("database is locked"))
}

func permanentErr() error {
	return core.NewPermanentStorageError("save alert", errors.New("constraint failed"))
}

// recordingNotifier remembers every alert it was asked to send and whether
// the alert was already in store at that moment.
type recordingNotifier struct {
	mu      sync.Mutex
	store   storage.AlertStore
	alerts  []*core.Alert
	unsaved int
}

func (n *recordingNotifier) Notify(ctx context.Context, alert *core.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	if n.store != nil {
		if _, err := n.store.GetAlert(ctx, alert.ID); err != nil {
			n.unsaved++
		}
	}
	return nil
}

func (n *recordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

// countingStore records every call that could leave a trace outside a
// simulation.
type countingStore struct {
	*storage.MemoryStore

	mu     sync.Mutex
	writes int
	loads  int
}

func (c *countingStore) SaveAlert(ctx context.Context, alert *core.Alert) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.MemoryStore.SaveAlert(ctx, alert)
}

func (c *countingStore) SaveEvent(ctx context.Context, ev *core.Event) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.MemoryStore.SaveEvent(ctx, ev)
}

func (c *countingStore) LoadEvents(ctx context.Context, q storage.EventQuery) ([]*core.Event, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.MemoryStore.LoadEvents(ctx, q)
}
