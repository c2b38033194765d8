package appliance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// ResponseCache stores successful read responses keyed by endpoint and
// normalized parameters. Invalidate removes every entry whose key starts
// with the given prefix.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration)
	Invalidate(ctx context.Context, prefix string)
}

// CacheKey builds a stable cache key from a service, endpoint and query
// parameters. Parameter order never affects the key.
func CacheKey(service, endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return service + ":" + endpoint
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(service)
	sb.WriteByte(':')
	sb.WriteString(endpoint)
	for _, k := range keys {
		sb.WriteByte(':')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process LRU response cache with per-entry TTL.
type MemoryCache struct {
	entries *lru.Cache[string, cacheEntry]
}

// NewMemoryCache returns a cache bounded to size entries.
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 1024
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	return &MemoryCache{entries: entries}, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.entries.Remove(key)
		return nil, false
	}
	return entry.data, true
}

func (c *MemoryCache) Set(_ context.Context, key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.entries.Add(key, cacheEntry{data: data, expiresAt: time.Now().Add(ttl)})
}

func (c *MemoryCache) Invalidate(_ context.Context, prefix string) {
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
}

// RedisCache shares response entries across processes through Redis.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCache wraps an existing Redis client. All keys are namespaced
// under keyPrefix to keep the cache separate from other Redis users.
func NewRedisCache(client *redis.Client, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "netsentinel:appliance:"
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *RedisCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.client.Set(ctx, c.keyPrefix+key, data, ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context, prefix string) {
	var cursor uint64
	pattern := c.keyPrefix + prefix + "*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			c.client.Del(ctx, keys...)
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}
