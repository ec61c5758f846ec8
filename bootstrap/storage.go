package bootstrap

import (
	"context"
	"fmt"

	"sentinel/api"
	"sentinel/config"
	"sentinel/core"
	"sentinel/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InitStorage opens the configured backend.
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		path := cfg.Storage.SQLite.Path
		if err := EnsureDataDirectory(path, sugar); err != nil {
			return nil, err
		}
		store, err := storage.NewSQLiteStore(path, sugar)
		if err != nil {
			sugar.Error(ClassifySQLiteError(err, path))
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		sugar.Infow("Storage initialized", "backend", "sqlite", "path", path)
		return store, nil
	case "mongodb":
		store, err := storage.NewMongoStore(ctx, storage.MongoOptions{
			URI:         cfg.Storage.MongoDB.URI,
			Database:    cfg.Storage.MongoDB.Database,
			MaxPoolSize: cfg.Storage.MongoDB.MaxPoolSize,
		}, sugar)
		if err != nil {
			sugar.Error(ClassifyConnectionError("MongoDB", err, cfg.Storage.MongoDB.URI))
			return nil, fmt.Errorf("failed to open mongodb store: %w", err)
		}
		sugar.Infow("Storage initialized", "backend", "mongodb", "database", cfg.Storage.MongoDB.Database)
		return store, nil
	default:
		sugar.Infow("Storage initialized", "backend", "memory", "event_capacity", cfg.Storage.EventCapacity)
		return storage.NewMemoryStore(cfg.Storage.EventCapacity), nil
	}
}

// RateLimiterComponents is the limiter plus what must be closed with it.
type RateLimiterComponents struct {
	Limiter api.Limiter
	Arena   *api.BucketArena
	Redis   *redis.Client
}

// InitRateLimiter builds the per-process bucket arena and, when enabled, the
// shared Redis limiter that falls back to it.
func InitRateLimiter(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*RateLimiterComponents, error) {
	policies := make(map[string]api.ClassPolicy, len(cfg.RateLimit.Classes))
	for name, rc := range cfg.RateLimit.Classes {
		policies[name] = api.ClassPolicy{Capacity: rc.Capacity, RefillRate: rc.RefillRate, Cost: rc.Cost}
	}
	arena, err := api.NewBucketArena(policies, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	rl := &RateLimiterComponents{Limiter: arena, Arena: arena}

	if !cfg.RateLimit.Redis.Enabled {
		return rl, nil
	}
	client, err := core.NewRedisClient(ctx, core.RedisOptions{
		Addr:     cfg.RateLimit.Redis.Addr,
		Password: cfg.RateLimit.Redis.Password,
		DB:       cfg.RateLimit.Redis.DB,
		PoolSize: cfg.RateLimit.Redis.PoolSize,
	})
	if err != nil {
		// the arena keeps every instance limited on its own
		sugar.Warnw("Redis unavailable, using per-process rate limiting",
			"detail", ClassifyConnectionError("Redis", err, cfg.RateLimit.Redis.Addr))
		return rl, nil
	}
	rl.Redis = client
	rl.Limiter = api.NewRedisLimiter(client, cfg.RateLimit.Redis.KeyPrefix, arena, sugar)
	sugar.Infow("Shared rate limiting enabled", "addr", cfg.RateLimit.Redis.Addr)
	return rl, nil
}
