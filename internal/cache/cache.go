// Package cache provides the shared Redis-backed cache used for session
// lookups, ownership indexes, distributed locks, interrupt markers and
// rate-limit counters. The cache is never authoritative; callers fall back
// to the session store on miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/common/logger"
)

// ErrBadPattern is returned by ScanKeys for empty or unbounded patterns.
var ErrBadPattern = errors.New("cache: scan pattern must be non-empty and scoped")

const maxScanKeys = 10000

// Cache is the surface the rest of agentd programs against.
type Cache interface {
	// GetJSON reads key and unmarshals it into out. Returns false when the
	// key is absent. A corrupt cell is treated as a miss, not an error.
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	// GetManyJSON fetches all keys in one MGET. Missing keys yield nil slots.
	GetManyJSON(ctx context.Context, keys []string) ([][]byte, error)

	SetMembers(ctx context.Context, key string) ([]string, error)
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error
	RemoveFromSet(ctx context.Context, key, member string) error

	// AcquireLock attempts SET NX with a fresh token. ok reports whether the
	// lock was taken; the token must be presented to ReleaseLock.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// ReleaseLock deletes the lock only when it still holds token. Releasing
	// an expired or stolen lock is a no-op, never an error.
	ReleaseLock(ctx context.Context, key, token string) error

	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	SetMarker(ctx context.Context, key string, ttl time.Duration) error
	// SetMarkerNX claims key with SET NX in one round trip. ok reports
	// whether this caller created the marker; concurrent claimants cannot
	// both see ok.
	SetMarkerNX(ctx context.Context, key string, ttl time.Duration) (ok bool, err error)

	// Incr increments a counter, arming ttl on the first increment of the
	// window. Used for fixed-window rate limiting.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ScanKeys returns up to max keys matching pattern, capped at 10000.
	// Unscoped patterns are refused; owner-facing listings never use SCAN.
	ScanKeys(ctx context.Context, pattern string, max int) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// releaseScript deletes a lock only if the stored token matches, so a
// holder whose lock expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type redisCache struct {
	client redis.UniversalClient
	log    *logger.Logger
}

// New connects to the Redis instance described by cfg and verifies the
// connection with a ping.
func New(ctx context.Context, cfg config.CacheConfig, log *logger.Logger) (Cache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	if cfg.SocketTimeout > 0 {
		opts.DialTimeout = cfg.SocketTimeout
		opts.ReadTimeout = cfg.SocketTimeout
		opts.WriteTimeout = cfg.SocketTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	return &redisCache{client: client, log: log}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client redis.UniversalClient, log *logger.Logger) Cache {
	if log == nil {
		log = logger.Default()
	}
	return &redisCache{client: client, log: log}
}

func (c *redisCache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.log.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (c *redisCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) GetManyJSON(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache mget: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (c *redisCache) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache smembers %s: %w", key, err)
	}
	return members, nil
}

func (c *redisCache) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache sadd %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) RemoveFromSet(ctx context.Context, key, member string) error {
	if err := c.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("cache srem %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("cache lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (c *redisCache) ReleaseLock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, c.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache unlock %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}
	return nil
}

func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *redisCache) SetMarker(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) SetMarkerNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache setnx %s: %w", key, err)
	}
	return ok, nil
}

func (c *redisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache incr %s: %w", key, err)
	}
	if n == 1 && ttl > 0 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("cache expire %s: %w", key, err)
		}
	}
	return n, nil
}

func (c *redisCache) ScanKeys(ctx context.Context, pattern string, max int) ([]string, error) {
	if pattern == "" || pattern == "*" {
		return nil, ErrBadPattern
	}
	if max <= 0 || max > maxScanKeys {
		max = maxScanKeys
	}
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= max {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (c *redisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
