package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitBreakerBasicFlow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             time.Second,
		MaxHalfOpenRequests: 1,
	})
	require.NoError(t, err)
	cb.WithClock(clock.Now)

	assert.Equal(t, CircuitBreakerStateClosed, cb.State())

	for i := 0; i < 2; i++ {
		_, state := cb.RecordFailure()
		assert.Equal(t, CircuitBreakerStateClosed, state)
	}
	oldState, newState := cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateClosed, oldState)
	assert.Equal(t, CircuitBreakerStateOpen, newState)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)

	clock.Advance(1500 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitBreakerStateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrTooManyRequests)

	_, state := cb.RecordSuccess()
	assert.Equal(t, CircuitBreakerStateClosed, state)
	assert.Equal(t, uint32(0), cb.Failures())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Second, MaxHalfOpenRequests: 1})
	require.NoError(t, err)
	cb.WithClock(clock.Now)

	cb.RecordFailure()
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Allow())

	_, state := cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateOpen, state)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)
}

func TestCircuitBreakerExecute(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute, MaxHalfOpenRequests: 1})
	require.NoError(t, err)

	boom := errors.New("boom")
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)

	called := false
	err = cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestCircuitBreakerInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config CircuitBreakerConfig
	}{
		{"zero failures", CircuitBreakerConfig{MaxFailures: 0, Timeout: time.Second, MaxHalfOpenRequests: 1}},
		{"zero timeout", CircuitBreakerConfig{MaxFailures: 1, Timeout: 0, MaxHalfOpenRequests: 1}},
		{"zero half-open", CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Second, MaxHalfOpenRequests: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCircuitBreaker(tt.config)
			assert.ErrorIs(t, err, ErrInvalidCircuitBreakerConfig)
		})
	}
}
