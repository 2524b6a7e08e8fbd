package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jotbook/realtime/internal/telemetry"
)

// ErrMiss reports that a key is absent. Callers fall back to the
// backing store and repopulate.
var ErrMiss = errors.New("cache miss")

var (
	// DefaultTTL applies when a caller passes a zero TTL.
	DefaultTTL = time.Hour
	// PreferenceTTL bounds how stale a cached preference document may be.
	PreferenceTTL = 30 * time.Minute
)

// Cache is a JSON cache over Redis. Keys are namespaced with a prefix
// so the cache and the queue broker can share one Redis database.
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// NewCache wraps an existing Redis client. prefix may be empty.
func NewCache(client redis.UniversalClient, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Set stores a JSON-encoded value with a TTL
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":   "cache_set",
		"key":         key,
		"ttl_seconds": ttl.Seconds(),
		"service":     "cache",
	})

	data, err := json.Marshal(value)
	if err != nil {
		logger.WithError(err).Error("Failed to marshal value for cache")
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		logger.WithError(err).Error("Failed to set cache value")
		return err
	}
	logger.Debug("Cache value set")
	return nil
}

// Get loads a JSON-encoded value into dest, returning ErrMiss when absent
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "cache_get",
		"key":       key,
		"service":   "cache",
	})

	val, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			logger.Debug("Cache miss")
			return ErrMiss
		}
		logger.WithError(err).Error("Failed to get cache value")
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		logger.WithError(err).Error("Failed to unmarshal cache value")
		return err
	}
	logger.Debug("Cache hit")
	return nil
}

// Delete removes keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "cache_delete",
		"keys":      keys,
		"service":   "cache",
	})

	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = c.key(k)
	}

	if err := c.client.Del(ctx, namespaced...).Err(); err != nil {
		logger.WithError(err).Error("Failed to delete cache keys")
		return err
	}
	logger.Debug("Cache keys deleted")
	return nil
}

// DeletePattern removes all keys matching a glob pattern and reports how many
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := c.client.Keys(ctx, c.key(pattern)).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return c.client.Del(ctx, keys...).Result()
}

// Exists reports whether a key is present
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	return n > 0, err
}

// TTL reports the remaining time to live of a key
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.client.TTL(ctx, c.key(key)).Result()
}

// Ping verifies connectivity
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Stats returns keyspace hit/miss counters and connection counts from INFO
func (c *Cache) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"hits":        int64(0),
		"misses":      int64(0),
		"connections": 0,
		"hit_rate":    0.0,
	}

	info, err := c.client.Info(ctx, "stats").Result()
	if err != nil {
		stats["error"] = err.Error()
		return stats
	}

	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "keyspace_hits:"); ok {
			hits, _ := strconv.ParseInt(v, 10, 64)
			stats["hits"] = hits
		}
		if v, ok := strings.CutPrefix(line, "keyspace_misses:"); ok {
			misses, _ := strconv.ParseInt(v, 10, 64)
			stats["misses"] = misses
		}
	}

	if clientInfo, err := c.client.Info(ctx, "clients").Result(); err == nil {
		for _, line := range strings.Split(clientInfo, "\r\n") {
			if v, ok := strings.CutPrefix(line, "connected_clients:"); ok {
				connections, _ := strconv.Atoi(v)
				stats["connections"] = connections
			}
		}
	}

	hits := stats["hits"].(int64)
	misses := stats["misses"].(int64)
	if total := hits + misses; total > 0 {
		stats["hit_rate"] = float64(hits) / float64(total)
	}

	return stats
}

// Close closes the underlying client
func (c *Cache) Close() error {
	return c.client.Close()
}
