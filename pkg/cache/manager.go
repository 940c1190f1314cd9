// Package cache provides an optional Redis-backed cache of resolved
// registration codes. Keys are normalized product names, so bracket and
// quote variants of the same name share one entry. A nil manager (no
// Redis configured) disables caching without changing resolution
// semantics.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wmtools/regresolve/pkg/match"
)

// ErrCacheMiss indicates the product name has no cached code.
var ErrCacheMiss = errors.New("cache miss")

// keyPrefix namespaces all regresolve entries in Redis.
const keyPrefix = "regresolve:code:"

// Manager handles code caching with a Redis backend.
type Manager struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewManager creates a cache manager. Entries live for ttl; a zero ttl
// makes them permanent.
func NewManager(redisClient *redis.Client, ttl time.Duration) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{redis: redisClient, ttl: ttl}
}

// Key returns the Redis key for a product name.
func Key(name string) string {
	return keyPrefix + match.Normalize(name)
}

// Get retrieves the cached code for a product name. Returns
// ErrCacheMiss when no entry exists.
func (m *Manager) Get(ctx context.Context, name string) (string, error) {
	code, err := m.redis.Get(ctx, Key(name)).Result()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return "", ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return "", fmt.Errorf("redis get: %w", err)
	}
	CacheHits.Inc()
	return code, nil
}

// Set stores a resolved code for a product name. Empty codes are not
// cached: a failed resolution may succeed on a later run.
func (m *Manager) Set(ctx context.Context, name string, code string) error {
	if code == "" {
		return nil
	}
	if err := m.redis.Set(ctx, Key(name), code, m.ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the cached code for a product name.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := m.redis.Del(ctx, Key(name)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
