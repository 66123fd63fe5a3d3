package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"acta/internal/audit"
)

// Cache stores computed current-stats snapshots for their TTL. Cache misses
// and expired entries report found=false, never an error.
type Cache interface {
	Get(ctx context.Context, key string) (*audit.CurrentStats, bool, error)
	Set(ctx context.Context, key string, stats *audit.CurrentStats, ttl time.Duration) error
}

// MemoryCache is a process-local cache for single-instance deployments and
// tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	stats     audit.CurrentStats
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*audit.CurrentStats, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false, nil
	}
	clone := entry.stats
	return &clone, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, stats *audit.CurrentStats, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{stats: *stats, expiresAt: c.now().Add(ttl)}
	return nil
}

// RedisCache shares current-stats snapshots across instances.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis-backed stats cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*audit.CurrentStats, bool, error) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cached stats: %w", err)
	}
	var stats audit.CurrentStats
	if err := json.Unmarshal(payload, &stats); err != nil {
		return nil, false, fmt.Errorf("decode cached stats: %w", err)
	}
	return &stats, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, stats *audit.CurrentStats, ttl time.Duration) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("set cached stats: %w", err)
	}
	return nil
}
