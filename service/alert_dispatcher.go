package service

import (
	"context"
	"time"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/notify"
	"sentinel/storage"
	"sentinel/util/goroutine"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// PersistPolicy bounds how hard the dispatcher tries to save one alert and
// how long a request waits for it.
type PersistPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Wait is how long Dispatch blocks before answering pending.
	Wait time.Duration
}

// DefaultPersistPolicy returns the policy used when none is configured.
func DefaultPersistPolicy() PersistPolicy {
	return PersistPolicy{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Wait:            time.Second,
	}
}

func (p PersistPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// AlertDispatcher persists live alerts and hands saved alerts to the
// notifier. Saving runs on a worker pool so retries can outlive the request
// that produced the alert.
type AlertDispatcher struct {
	store    storage.AlertStore
	notifier notify.Notifier
	pool     *core.WorkerPool
	policy   PersistPolicy
	logger   *zap.SugaredLogger
}

// NewAlertDispatcher creates a dispatcher. notifier may be nil.
func NewAlertDispatcher(store storage.AlertStore, notifier notify.Notifier, pool *core.WorkerPool, policy PersistPolicy, logger *zap.SugaredLogger) *AlertDispatcher {
	return &AlertDispatcher{
		store:    store,
		notifier: notifier,
		pool:     pool,
		policy:   policy,
		logger:   logger,
	}
}

// Dispatch saves alerts and reports the aggregate outcome: failed if any
// alert could not be saved, pending if any is still being retried when the
// wait expires, ok otherwise. Returning early never cancels a save.
func (d *AlertDispatcher) Dispatch(ctx context.Context, alerts []*core.Alert) core.PersistenceStatus {
	if len(alerts) == 0 {
		return core.PersistenceNone
	}

	results := make([]chan error, len(alerts))
	for i, alert := range alerts {
		ch := make(chan error, 1)
		results[i] = ch
		d.submit(alert, ch)
	}

	timer := time.NewTimer(d.policy.Wait)
	defer timer.Stop()

	failed, pending := false, false
	expired := false
	for _, ch := range results {
		if !expired {
			select {
			case err := <-ch:
				failed = failed || err != nil
				continue
			case <-timer.C:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}
		select {
		case err := <-ch:
			failed = failed || err != nil
		default:
			pending = true
		}
	}

	switch {
	case failed:
		return core.PersistenceFailed
	case pending:
		metrics.AlertPersistence.WithLabelValues("pending").Inc()
		return core.PersistencePending
	default:
		return core.PersistenceOK
	}
}

func (d *AlertDispatcher) submit(alert *core.Alert, result chan<- error) {
	task := func(ctx context.Context) {
		err := d.persist(ctx, alert)
		result <- err
		if err == nil {
			d.notify(ctx, alert)
		}
	}
	if err := d.pool.Submit(task); err != nil {
		d.logger.Warnw("Persistence pool rejected alert, saving on a detached goroutine",
			"alert_id", alert.ID, "error", err)
		go func() {
			defer goroutine.Recover("alert-persist", d.logger)
			task(context.Background())
		}()
	}
}

// persist saves one alert, retrying transient failures with exponential
// backoff. Saves are idempotent on the alert id, so a retry after a lost
// acknowledgement is harmless.
func (d *AlertDispatcher) persist(ctx context.Context, alert *core.Alert) error {
	attempt := 0
	op := func() error {
		attempt++
		err := d.store.SaveAlert(ctx, alert)
		if err == nil {
			return nil
		}
		if !core.IsTransient(err) {
			return backoff.Permanent(err)
		}
		d.logger.Warnw("Alert save failed",
			"alert_id", alert.ID,
			"rule_id", alert.RuleID,
			"attempt", attempt,
			"error", err)
		return err
	}

	if err := backoff.Retry(op, d.policy.backOff(ctx)); err != nil {
		metrics.AlertPersistence.WithLabelValues("failed").Inc()
		d.logger.Errorw("Alert could not be persisted",
			"alert_id", alert.ID,
			"rule_id", alert.RuleID,
			"trace_id", alert.TraceID,
			"attempts", attempt,
			"error", err)
		return err
	}
	metrics.AlertPersistence.WithLabelValues("ok").Inc()
	if attempt > 1 {
		d.logger.Infow("Alert persisted after retry", "alert_id", alert.ID, "attempts", attempt)
	}
	return nil
}

func (d *AlertDispatcher) notify(ctx context.Context, alert *core.Alert) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, alert); err != nil {
		d.logger.Warnw("Alert notification failed", "alert_id", alert.ID, "error", err)
	}
}
