package service

import (
	"context"
	"testing"
	"time"

	"sentinel/core"
	"sentinel/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert(id string) *core.Alert {
	a := core.NewAlert(core.MatchResult{
		RuleID:      "auth-brute-force",
		RuleVersion: 1,
		EventID:     "evt-1",
		Severity:    core.SeverityHigh,
		Action:      core.ActionAlert,
	}, "trace-1", baseTime)
	a.ID = id
	return a
}

func TestDispatchNoAlerts(t *testing.T) {
	d := NewAlertDispatcher(newFlakyStore(), nil, newTestPool(t), fastPolicy(), testLogger(t))
	assert.Equal(t, core.PersistenceNone, d.Dispatch(context.Background(), nil))
}

func TestDispatchSavesThenNotifies(t *testing.T) {
	store := newFlakyStore()
	notifier := &recordingNotifier{store: store}
	d := NewAlertDispatcher(store, notifier, newTestPool(t), fastPolicy(), testLogger(t))

	status := d.Dispatch(context.Background(), []*core.Alert{testAlert("a1"), testAlert("a2")})
	assert.Equal(t, core.PersistenceOK, status)

	for _, id := range []string{"a1", "a2"} {
		_, err := store.GetAlert(context.Background(), id)
		assert.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return notifier.Count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, notifier.unsaved, "notification must follow a successful save")
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	store := newFlakyStore(transientErr(), transientErr())
	d := NewAlertDispatcher(store, nil, newTestPool(t), fastPolicy(), testLogger(t))

	status := d.Dispatch(context.Background(), []*core.Alert{testAlert("a1")})
	assert.Equal(t, core.PersistenceOK, status)
	assert.Equal(t, 3, store.Calls())
}

func TestDispatchPermanentFailureStopsRetrying(t *testing.T) {
	store := newFlakyStore(permanentErr())
	notifier := &recordingNotifier{}
	d := NewAlertDispatcher(store, notifier, newTestPool(t), fastPolicy(), testLogger(t))

	status := d.Dispatch(context.Background(), []*core.Alert{testAlert("a1")})
	assert.Equal(t, core.PersistenceFailed, status)
	assert.Equal(t, 1, store.Calls())
	assert.Zero(t, notifier.Count())
}

func TestDispatchGivesUpAfterMaxAttempts(t *testing.T) {
	store := newFlakyStore()
	store.always = transientErr()
	policy := fastPolicy()
	policy.MaxAttempts = 3
	d := NewAlertDispatcher(store, nil, newTestPool(t), policy, testLogger(t))

	status := d.Dispatch(context.Background(), []*core.Alert{testAlert("a1")})
	assert.Equal(t, core.PersistenceFailed, status)
	assert.Equal(t, 3, store.Calls())
}

func TestDispatchAnyFailureFailsTheBatch(t *testing.T) {
	store := newFlakyStore(permanentErr())
	d := NewAlertDispatcher(store, nil, newTestPool(t), fastPolicy(), testLogger(t))

	status := d.Dispatch(context.Background(), []*core.Alert{testAlert("a1"), testAlert("a2")})
	assert.Equal(t, core.PersistenceFailed, status)
	assert.Equal(t, 2, store.Calls())

	saved, err := store.ListAlerts(context.Background(), storage.AlertQuery{})
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestDispatchPendingKeepsRetryingAfterWait(t *testing.T) {
	store := newFlakyStore()
	store.release = make(chan struct{})
	notifier := &recordingNotifier{}
	policy := fastPolicy()
	policy.Wait = 20 * time.Millisecond
	d := NewAlertDispatcher(store, notifier, newTestPool(t), policy, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	status := d.Dispatch(ctx, []*core.Alert{testAlert("a1")})
	cancel()
	assert.Equal(t, core.PersistencePending, status)
	assert.True(t, status.Degraded())

	close(store.release)
	assert.Eventually(t, func() bool {
		_, err := store.GetAlert(context.Background(), "a1")
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return notifier.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatchWithoutRunningPool(t *testing.T) {
	store := newFlakyStore()
	pool := core.NewWorkerPool(context.Background(), "stopped", 1, 1, testLogger(t))
	d := NewAlertDispatcher(store, nil, pool, fastPolicy(), testLogger(t))

	status := d.Dispatch(context.Background(), []*core.Alert{testAlert("a1")})
	require.Equal(t, core.PersistenceOK, status)
	assert.Equal(t, 1, store.Calls())
}

func TestPersistPolicyDefaults(t *testing.T) {
	p := DefaultPersistPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.InitialInterval)
	assert.Equal(t, 2*time.Second, p.MaxInterval)
	assert.Equal(t, time.Second, p.Wait)
}
