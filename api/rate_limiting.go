package api

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"sentinel/core"
	"sentinel/metrics"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClassPolicy is the token-bucket policy of one route class.
type ClassPolicy struct {
	// Capacity is the bucket size (burst)
	Capacity int
	// RefillRate is tokens added per second
	RefillRate float64
	// Cost is the tokens one request of this class consumes
	Cost int
}

// Validate checks a policy can ever admit a request.
func (p ClassPolicy) Validate() error {
	if p.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1")
	}
	if p.RefillRate <= 0 || math.IsInf(p.RefillRate, 0) || math.IsNaN(p.RefillRate) {
		return fmt.Errorf("refill rate must be positive")
	}
	if p.Cost < 1 || p.Cost > p.Capacity {
		return fmt.Errorf("cost must be between 1 and capacity")
	}
	return nil
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  float64
	Limit      int
}

// Limiter admits or denies requests per RateKey.
type Limiter interface {
	Admit(ctx context.Context, key core.RateKey, cost int) (Decision, error)
	Policy(class string) (ClassPolicy, bool)
}

// bucket wraps a rate.Limiter so that reading the token level and deducting
// from it happen under one lock.
type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
	evicted  bool
}

type arenaShard struct {
	mu      sync.RWMutex
	buckets map[core.RateKey]*bucket
}

// BucketArena holds one token bucket per RateKey. Keys are spread over shards
// by hash so admissions for different keys rarely share a lock; admissions for
// the same key serialise on that key's bucket.
type BucketArena struct {
	shards   []*arenaShard
	mask     uint64
	policies map[string]ClassPolicy
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// ArenaOption configures a BucketArena.
type ArenaOption func(*BucketArena)

// WithArenaClock replaces the time source.
func WithArenaClock(now func() time.Time) ArenaOption {
	return func(a *BucketArena) { a.now = now }
}

// WithShards sets the shard count, rounded up to a power of two.
func WithShards(n int) ArenaOption {
	return func(a *BucketArena) {
		size := 1
		for size < n {
			size <<= 1
		}
		a.shards = make([]*arenaShard, size)
	}
}

const defaultShards = 64

// NewBucketArena creates an arena for the given route class policies.
func NewBucketArena(policies map[string]ClassPolicy, logger *zap.SugaredLogger, opts ...ArenaOption) (*BucketArena, error) {
	for class, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("rate limit class %q: %w", class, err)
		}
	}
	a := &BucketArena{
		shards:   make([]*arenaShard, defaultShards),
		policies: policies,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	for i := range a.shards {
		a.shards[i] = &arenaShard{buckets: make(map[core.RateKey]*bucket)}
	}
	a.mask = uint64(len(a.shards) - 1)
	return a, nil
}

// Policy returns the policy of a route class.
func (a *BucketArena) Policy(class string) (ClassPolicy, bool) {
	p, ok := a.policies[class]
	return p, ok
}

// Admit refills the key's bucket for the time elapsed since its last use and
// tries to deduct cost. On denial RetryAfter is (cost - tokens) / refill rate.
func (a *BucketArena) Admit(_ context.Context, key core.RateKey, cost int) (Decision, error) {
	policy, ok := a.policies[key.Class]
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate limit class %q", key.Class)
	}
	if cost < 1 {
		cost = 1
	}

	for {
		b := a.bucketFor(key, policy)
		b.mu.Lock()
		if b.evicted {
			// swept between lookup and lock; look it up again
			b.mu.Unlock()
			continue
		}
		now := a.now()
		b.lastSeen = now
		d := decide(b.limiter, policy, now, cost)
		b.mu.Unlock()

		metrics.RateLimitDecisions.WithLabelValues(key.Class, decisionLabel(d.Allowed)).Inc()
		return d, nil
	}
}

func decide(l *rate.Limiter, policy ClassPolicy, now time.Time, cost int) Decision {
	d := Decision{Limit: policy.Capacity}
	if l.AllowN(now, cost) {
		d.Allowed = true
		d.Remaining = math.Max(0, l.TokensAt(now))
		return d
	}
	tokens := l.TokensAt(now)
	d.Remaining = math.Max(0, tokens)
	d.RetryAfter = retryAfter(float64(cost), tokens, policy.RefillRate)
	return d
}

func retryAfter(cost, tokens, refillRate float64) time.Duration {
	missing := cost - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / refillRate * float64(time.Second))
}

func decisionLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func (a *BucketArena) shardFor(key core.RateKey) *arenaShard {
	return a.shards[xxhash.Sum64String(key.String())&a.mask]
}

// bucketFor returns the key's bucket, creating a full one on first use.
func (a *BucketArena) bucketFor(key core.RateKey, policy ClassPolicy) *bucket {
	shard := a.shardFor(key)

	shard.mu.RLock()
	b, ok := shard.buckets[key]
	shard.mu.RUnlock()
	if ok {
		return b
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if b, ok = shard.buckets[key]; ok {
		return b
	}
	l := rate.NewLimiter(rate.Limit(policy.RefillRate), policy.Capacity)
	// a new limiter starts full; pin its clock to ours
	l.SetLimitAt(a.now(), rate.Limit(policy.RefillRate))
	b = &bucket{limiter: l, lastSeen: a.now()}
	shard.buckets[key] = b
	return b
}

// Sweep removes buckets that have been idle for at least idle and have refilled
// completely; recreating such a bucket later is indistinguishable from keeping
// it. It returns the number of buckets removed.
func (a *BucketArena) Sweep(idle time.Duration) int {
	now := a.now()
	removed := 0
	for _, shard := range a.shards {
		shard.mu.Lock()
		for key, b := range shard.buckets {
			b.mu.Lock()
			full := b.limiter.TokensAt(now) >= float64(b.limiter.Burst())
			if full && now.Sub(b.lastSeen) >= idle {
				b.evicted = true
				delete(shard.buckets, key)
				removed++
			}
			b.mu.Unlock()
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (a *BucketArena) Len() int {
	n := 0
	for _, shard := range a.shards {
		shard.mu.RLock()
		n += len(shard.buckets)
		shard.mu.RUnlock()
	}
	return n
}

// StartJanitor sweeps idle buckets every interval until ctx is done.
func (a *BucketArena) StartJanitor(ctx context.Context, interval, idle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.Sweep(idle); n > 0 {
					a.logger.Debugw("Swept idle rate limit buckets", "removed", n)
				}
			}
		}
	}()
}
