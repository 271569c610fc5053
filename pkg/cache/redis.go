package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quarryhq/gristmill/pkg/apperrors"
	"github.com/quarryhq/gristmill/pkg/config"
)

func init() {
	Register(config.BackendRedis, func(cfg config.CacheConfig, logger *zap.Logger) (Store, error) {
		return NewRedis(cfg.RedisAddr, logger)
	})
}

const redisKeyPrefix = "gristmill:"

// Redis is the shared Store for multi-process deployments. Expiry is
// delegated to Redis TTLs; sizing is left to the server's own eviction
// policy, so MaxEntries does not apply.
type Redis struct {
	client *redis.Client
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Store = (*Redis)(nil)

// NewRedis connects to the Redis server at addr and verifies the connection
// with a short ping so that a misconfigured address degrades at startup
// rather than on the first query.
func NewRedis(addr string, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.NewCacheError("open", addr, err)
	}
	return &Redis{client: client, logger: logger}, nil
}

func redisKey(key Key) string {
	return redisKeyPrefix + string(key.Namespace) + ":" + key.ID()
}

func (r *Redis) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, redisKey(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		r.misses.Add(1)
		return nil, false, nil
	case err != nil:
		r.logger.Warn("cache read failed, treating as miss",
			zap.String("namespace", string(key.Namespace)),
			zap.Error(err))
		r.misses.Add(1)
		return nil, false, nil
	}
	r.hits.Add(1)
	return value, true, nil
}

func (r *Redis) Put(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, redisKey(key), value, ttl).Err(); err != nil {
		return apperrors.NewCacheError("put", "", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, ns Namespace, addressPrefix string) error {
	pattern := redisKeyPrefix + string(ns) + ":" + addressPrefix + "*"
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return apperrors.NewCacheError("invalidate", "", err)
		}
	}
	if err := iter.Err(); err != nil {
		return apperrors.NewCacheError("invalidate", "", err)
	}
	return nil
}

func (r *Redis) Stats() Stats {
	var entries int64
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		entries++
	}
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load(), Entries: entries}
}

func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return apperrors.NewCacheError("close", "", err)
	}
	return nil
}
