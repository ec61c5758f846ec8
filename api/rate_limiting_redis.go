package api

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"sentinel/core"
	"sentinel/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// tokenBucketScript refills and deducts in one server-side step, so
// concurrent gateways sharing a key never both spend the last token.
// KEYS[1] bucket key; ARGV: capacity, refill rate (tokens/s), now (ms), cost.
// Floats are returned as strings because Redis truncates Lua numbers.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) / 1000 * rate)
  ts = now
end

local allowed = 0
local retry = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry = (cost - tokens) / rate
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], math.ceil(capacity / rate * 1000) + 1000)
return {allowed, tostring(tokens), tostring(retry)}
`)

// RedisLimiter keeps buckets in Redis so several gateway instances share one
// budget per key. When Redis is unavailable it falls back to the local arena.
type RedisLimiter struct {
	client   redis.Scripter
	prefix   string
	fallback *BucketArena
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// NewRedisLimiter creates a shared limiter; policies come from fallback.
func NewRedisLimiter(client redis.Scripter, prefix string, fallback *BucketArena, logger *zap.SugaredLogger) *RedisLimiter {
	if prefix == "" {
		prefix = "sentinel:ratelimit:"
	}
	return &RedisLimiter{
		client:   client,
		prefix:   prefix,
		fallback: fallback,
		now:      fallback.now,
		logger:   logger,
	}
}

// Policy returns the policy of a route class.
func (rl *RedisLimiter) Policy(class string) (ClassPolicy, bool) {
	return rl.fallback.Policy(class)
}

// Admit runs the token bucket script for key.
func (rl *RedisLimiter) Admit(ctx context.Context, key core.RateKey, cost int) (Decision, error) {
	policy, ok := rl.fallback.Policy(key.Class)
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate limit class %q", key.Class)
	}
	if cost < 1 {
		cost = 1
	}

	d, err := rl.admitRemote(ctx, key, policy, cost)
	if err != nil {
		metrics.RateLimitBackendErrors.Inc()
		rl.logger.Warnw("Redis rate limiter unavailable, using local buckets", "error", err)
		return rl.fallback.Admit(ctx, key, cost)
	}
	metrics.RateLimitDecisions.WithLabelValues(key.Class, decisionLabel(d.Allowed)).Inc()
	return d, nil
}

func (rl *RedisLimiter) admitRemote(ctx context.Context, key core.RateKey, policy ClassPolicy, cost int) (Decision, error) {
	res, err := tokenBucketScript.Run(ctx, rl.client,
		[]string{rl.prefix + key.String()},
		policy.Capacity,
		strconv.FormatFloat(policy.RefillRate, 'f', -1, 64),
		rl.now().UnixMilli(),
		cost,
	).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected script result length %d", len(res))
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected allowed value %v", res[0])
	}
	tokens, err := parseScriptFloat(res[1])
	if err != nil {
		return Decision{}, err
	}
	retry, err := parseScriptFloat(res[2])
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed:    allowed == 1,
		Remaining:  math.Max(0, tokens),
		RetryAfter: time.Duration(retry * float64(time.Second)),
		Limit:      policy.Capacity,
	}, nil
}

func parseScriptFloat(v interface{}) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected script value %v", v)
	}
	return strconv.ParseFloat(s, 64)
}
