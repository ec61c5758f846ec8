package api

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sentinel/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestArena(t *testing.T, clock *testClock, policies map[string]ClassPolicy) *BucketArena {
	t.Helper()
	a, err := NewBucketArena(policies, zap.NewNop().Sugar(), WithArenaClock(clock.Now), WithShards(8))
	require.NoError(t, err)
	return a
}

func TestArenaAdmitsUpToCapacity(t *testing.T) {
	clock := newTestClock()
	a := newTestArena(t, clock, map[string]ClassPolicy{"ingest": {Capacity: 2, RefillRate: 1, Cost: 1}})
	key := core.RateKey{Subject: "svc-A", Class: "ingest"}
	ctx := context.Background()

	d, err := a.Admit(ctx, key, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 1.0, d.Remaining, 1e-9)

	d, _ = a.Admit(ctx, key, 1)
	assert.True(t, d.Allowed)

	d, _ = a.Admit(ctx, key, 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestArenaRefillIsMonotonic(t *testing.T) {
	clock := newTestClock()
	a := newTestArena(t, clock, map[string]ClassPolicy{"read": {Capacity: 1, RefillRate: 2, Cost: 1}})
	key := core.RateKey{Subject: "svc-B", Class: "read"}
	ctx := context.Background()

	d, _ := a.Admit(ctx, key, 1)
	require.True(t, d.Allowed)

	for i := 0; i < 5; i++ {
		d, _ = a.Admit(ctx, key, 1)
		assert.False(t, d.Allowed, "denial %d", i)
		assert.Equal(t, 500*time.Millisecond, d.RetryAfter)
	}

	clock.Advance(500 * time.Millisecond)
	d, _ = a.Admit(ctx, key, 1)
	assert.True(t, d.Allowed)
	d, _ = a.Admit(ctx, key, 1)
	assert.False(t, d.Allowed)
}

func TestArenaRetryAfterUsesFractionalTokens(t *testing.T) {
	clock := newTestClock()
	a := newTestArena(t, clock, map[string]ClassPolicy{"simulation": {Capacity: 4, RefillRate: 1, Cost: 4}})
	key := core.RateKey{Subject: "svc-C", Class: "simulation"}

	d, _ := a.Admit(context.Background(), key, 4)
	require.True(t, d.Allowed)

	clock.Advance(1500 * time.Millisecond)
	d, _ = a.Admit(context.Background(), key, 4)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 1.5, d.Remaining, 1e-9)
	assert.Equal(t, 2500*time.Millisecond, d.RetryAfter)
}

func TestArenaCapsAtCapacity(t *testing.T) {
	clock := newTestClock()
	a := newTestArena(t, clock, map[string]ClassPolicy{"read": {Capacity: 3, RefillRate: 10, Cost: 1}})
	key := core.RateKey{Subject: "idle", Class: "read"}

	_, _ = a.Admit(context.Background(), key, 1)
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if d, _ := a.Admit(context.Background(), key, 1); d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestArenaKeysAreIndependent(t *testing.T) {
	clock := newTestClock()
	a := newTestArena(t, clock, map[string]ClassPolicy{
		"ingest": {Capacity: 1, RefillRate: 1, Cost: 1},
		"read":   {Capacity: 1, RefillRate: 1, Cost: 1},
	})
	ctx := context.Background()

	d, _ := a.Admit(ctx, core.RateKey{Subject: "a", Class: "ingest"}, 1)
	assert.True(t, d.Allowed)
	d, _ = a.Admit(ctx, core.RateKey{Subject: "b", Class: "ingest"}, 1)
	assert.True(t, d.Allowed)
	d, _ = a.Admit(ctx, core.RateKey{Subject: "a", Class: "read"}, 1)
	assert.True(t, d.Allowed)
	d, _ = a.Admit(ctx, core.RateKey{Subject: "a", Class: "ingest"}, 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, a.Len())
}

func TestArenaConcurrentAdmissionsSameKey(t *testing.T) {
	clock := newTestClock()
	a := newTestArena(t, clock, map[string]ClassPolicy{"ingest": {Capacity: 5, RefillRate: 0.001, Cost: 1}})
	key := core.RateKey{Subject: "hot", Class: "ingest"}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := a.Admit(context.Background(), key, 1)
			assert.NoError(t, err)
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(5), allowed.Load())
}

func TestArenaUnknownClass(t *testing.T) {
	a := newTestArena(t, newTestClock(), map[string]ClassPolicy{"read": {Capacity: 1, RefillRate: 1, Cost: 1}})
	_, err := a.Admit(context.Background(), core.RateKey{Subject: "x", Class: "nope"}, 1)
	assert.Error(t, err)
}

func TestArenaSweepRemovesOnlyFullIdleBuckets(t *testing.T) {
	clock := newTestClock()
	a := newTestArena(t, clock, map[string]ClassPolicy{"read": {Capacity: 2, RefillRate: 1, Cost: 1}})
	ctx := context.Background()

	_, _ = a.Admit(ctx, core.RateKey{Subject: "drained", Class: "read"}, 1)
	_, _ = a.Admit(ctx, core.RateKey{Subject: "drained", Class: "read"}, 1)
	clock.Advance(time.Second)
	_, _ = a.Admit(ctx, core.RateKey{Subject: "fresh", Class: "read"}, 1)

	assert.Equal(t, 0, a.Sweep(time.Minute))
	clock.Advance(time.Minute)
	assert.Equal(t, 2, a.Sweep(time.Minute))
	assert.Equal(t, 0, a.Len())

	d, _ := a.Admit(ctx, core.RateKey{Subject: "drained", Class: "read"}, 1)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 1.0, d.Remaining, 1e-9)
}

func TestClassPolicyValidate(t *testing.T) {
	assert.NoError(t, ClassPolicy{Capacity: 1, RefillRate: 0.5, Cost: 1}.Validate())
	assert.Error(t, ClassPolicy{Capacity: 0, RefillRate: 1, Cost: 1}.Validate())
	assert.Error(t, ClassPolicy{Capacity: 2, RefillRate: 0, Cost: 1}.Validate())
	assert.Error(t, ClassPolicy{Capacity: 2, RefillRate: 1, Cost: 3}.Validate())

	_, err := NewBucketArena(map[string]ClassPolicy{"bad": {}}, zap.NewNop().Sugar())
	assert.Error(t, err)
}
