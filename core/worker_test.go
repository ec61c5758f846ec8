package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	wp := NewWorkerPool(context.Background(), "test", 2, 10, zaptest.NewLogger(t).Sugar())
	wp.Start()
	defer wp.Stop(time.Second)

	var n atomic.Int32
	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		require.NoError(t, wp.Submit(func(ctx context.Context) {
			n.Add(1)
			done <- struct{}{}
		}))
	}
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task did not run")
		}
	}
	assert.Equal(t, int32(5), n.Load())
}

func TestWorkerPoolSubmitBeforeStart(t *testing.T) {
	wp := NewWorkerPool(context.Background(), "test", 1, 1, zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, wp.Submit(func(context.Context) {}), ErrWorkerPoolNotRunning)
}

func TestWorkerPoolSurvivesPanic(t *testing.T) {
	wp := NewWorkerPool(context.Background(), "test", 1, 4, zaptest.NewLogger(t).Sugar())
	wp.Start()
	defer wp.Stop(time.Second)

	require.NoError(t, wp.Submit(func(context.Context) { panic("boom") }))
	ran := make(chan struct{})
	require.NoError(t, wp.Submit(func(context.Context) { close(ran) }))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestWorkerPoolStopCancelsContext(t *testing.T) {
	wp := NewWorkerPool(context.Background(), "test", 1, 1, zaptest.NewLogger(t).Sugar())
	wp.Start()

	started := make(chan struct{})
	require.NoError(t, wp.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started
	wp.Stop(2 * time.Second)
	assert.ErrorIs(t, wp.Submit(func(context.Context) {}), ErrWorkerPoolNotRunning)
}
