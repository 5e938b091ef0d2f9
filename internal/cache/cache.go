// Package cache stores serialized answers and makes sure concurrent requests
// for the same answer share one computation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces answer keys
const DefaultKeyPrefix = "answer:"

// Cache is a TTL key/value store for serialized answers
type Cache interface {
	// Get reports a miss as (nil, false, nil)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix and returns how many
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	whitespace       = regexp.MustCompile(`\s+`)
	trailingPunction = regexp.MustCompile(`[\s?!.;,]+$`)
)

// NormalizeQuestion lowercases, collapses whitespace and strips trailing
// punctuation so trivially different phrasings share a key.
func NormalizeQuestion(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	q = whitespace.ReplaceAllString(q, " ")
	return trailingPunction.ReplaceAllString(q, "")
}

// KeyWithPrefix builds prefix<tenant>:<sha256> from the normalized question,
// the tenant and the resolved filters in key order.
func KeyWithPrefix(prefix, question, tenantID string, filters map[string]string) string {
	names := make([]string, 0, len(filters))
	for k := range filters {
		names = append(names, k)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(NormalizeQuestion(question)))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))
	for _, k := range names {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(filters[k]))
	}
	return TenantPrefix(prefix, tenantID) + hex.EncodeToString(h.Sum(nil))
}

// Key builds a key with DefaultKeyPrefix
func Key(question, tenantID string, filters map[string]string) string {
	return KeyWithPrefix(DefaultKeyPrefix, question, tenantID, filters)
}

// TenantPrefix is the key prefix shared by all of a tenant's answers
func TenantPrefix(prefix, tenantID string) string {
	return prefix + tenantID + ":"
}

// RedisCache stores answers as plain redis strings
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a cache on client
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

var globChars = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	pattern := globChars.Replace(prefix) + "*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache for tests and single instance runs
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *MemoryCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deleted := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of stored entries, expired ones included
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) Ping(ctx context.Context) error { return nil }

func (c *MemoryCache) Close() error { return nil }
