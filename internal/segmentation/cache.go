package segmentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CountCache stores computed audience counts keyed by predicate hash.
type CountCache interface {
	Get(ctx context.Context, key string) (CountResult, bool, error)
	Set(ctx context.Context, key string, result CountResult, ttl time.Duration) error
}

// RedisCountCache keeps counts in Redis with a TTL.
type RedisCountCache struct {
	client *redis.Client
}

// NewRedisCountCache creates a count cache on client.
func NewRedisCountCache(client *redis.Client) *RedisCountCache {
	return &RedisCountCache{client: client}
}

func countKey(key string) string { return fmt.Sprintf("segment:count:%s", key) }

// Get returns the cached result when present.
func (c *RedisCountCache) Get(ctx context.Context, key string) (CountResult, bool, error) {
	data, err := c.client.Get(ctx, countKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CountResult{}, false, nil
	}
	if err != nil {
		return CountResult{}, false, fmt.Errorf("get cached count: %w", err)
	}
	var res CountResult
	if err := json.Unmarshal(data, &res); err != nil {
		return CountResult{}, false, fmt.Errorf("decode cached count: %w", err)
	}
	return res, true, nil
}

// Set stores result for ttl.
func (c *RedisCountCache) Set(ctx context.Context, key string, result CountResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, countKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("set cached count: %w", err)
	}
	return nil
}

// MemoryCountCache is a process-local CountCache for single-node setups and tests.
type MemoryCountCache struct {
	mu      sync.Mutex
	entries map[string]memoryCount
	now     func() time.Time
}

type memoryCount struct {
	result  CountResult
	expires time.Time
}

// NewMemoryCountCache creates an empty in-process cache.
func NewMemoryCountCache() *MemoryCountCache {
	return &MemoryCountCache{entries: make(map[string]memoryCount), now: time.Now}
}

// Get returns the cached result when present and unexpired.
func (c *MemoryCountCache) Get(_ context.Context, key string) (CountResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		delete(c.entries, key)
		return CountResult{}, false, nil
	}
	return e.result, true, nil
}

// Set stores result for ttl.
func (c *MemoryCountCache) Set(_ context.Context, key string, result CountResult, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memoryCount{result: result, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}
