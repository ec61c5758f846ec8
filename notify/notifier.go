// Package notify delivers live alerts to outbound channels. Delivery is
// best-effort: a failed channel never affects the verdict returned to the
// caller or the other channels.
package notify

import (
	"context"
	"errors"
	"time"

	"sentinel/core"
	"sentinel/metrics"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Notifier sends one alert. Failures are core.KindTransientNotify errors.
type Notifier interface {
	Notify(ctx context.Context, alert *core.Alert) error
}

// RetryPolicy bounds redelivery of one alert to one channel.
type RetryPolicy struct {
	// MaxRetries after the first attempt
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries once after a short pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 1, InitialInterval: 200 * time.Millisecond, MaxInterval: time.Second}
}

type channel struct {
	name     string
	notifier Notifier
	breaker  *core.CircuitBreaker
}

// Fanout delivers each alert to every registered channel. Each channel sits
// behind its own circuit breaker so a dead endpoint stops costing retries.
type Fanout struct {
	channels []channel
	breaker  core.CircuitBreakerConfig
	retry    RetryPolicy
	logger   *zap.SugaredLogger
}

// NewFanout creates an empty fan-out; Register adds channels.
func NewFanout(breaker core.CircuitBreakerConfig, retry RetryPolicy, logger *zap.SugaredLogger) (*Fanout, error) {
	if err := breaker.Validate(); err != nil {
		return nil, err
	}
	return &Fanout{breaker: breaker, retry: retry, logger: logger}, nil
}

// Register adds a named channel. Not safe to call concurrently with Notify.
func (f *Fanout) Register(name string, n Notifier) error {
	cb, err := core.NewCircuitBreaker(f.breaker)
	if err != nil {
		return err
	}
	f.channels = append(f.channels, channel{name: name, notifier: n, breaker: cb})
	f.logger.Infow("Notification channel registered", "channel", name)
	return nil
}

// Channels returns the registered channel names.
func (f *Fanout) Channels() []string {
	names := make([]string, len(f.channels))
	for i, c := range f.channels {
		names[i] = c.name
	}
	return names
}

// Notify delivers alert to every channel and returns the joined failures.
func (f *Fanout) Notify(ctx context.Context, alert *core.Alert) error {
	var errs []error
	for _, c := range f.channels {
		if err := f.deliver(ctx, c, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) deliver(ctx context.Context, c channel, alert *core.Alert) error {
	attempt := func() error {
		err := c.breaker.Execute(func() error {
			return c.notifier.Notify(ctx, alert)
		})
		if errors.Is(err, core.ErrCircuitBreakerOpen) || errors.Is(err, core.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retry.InitialInterval
	b.MaxInterval = f.retry.MaxInterval
	b.MaxElapsedTime = 0
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, f.retry.MaxRetries), ctx))

	switch {
	case err == nil:
		metrics.NotificationsSent.WithLabelValues(c.name, "sent").Inc()
		return nil
	case errors.Is(err, core.ErrCircuitBreakerOpen) || errors.Is(err, core.ErrTooManyRequests):
		metrics.NotificationsSent.WithLabelValues(c.name, "skipped").Inc()
		f.logger.Warnw("Notification skipped, circuit open", "channel", c.name, "alert_id", alert.ID)
	default:
		metrics.NotificationsSent.WithLabelValues(c.name, "failed").Inc()
		f.logger.Warnw("Notification failed", "channel", c.name, "alert_id", alert.ID, "error", err)
	}
	if core.KindOf(err) == core.KindTransientNotify {
		return err
	}
	return core.NewTransientNotifyError(c.name, err)
}
