// internal/cache/cache.go
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ===============================
// CACHE INTERFACE
// ===============================

// Cache is a byte-oriented key/value cache with counters
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) bool

	// Increment adds delta to the counter at key, creating it at zero
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	SetTTL(ctx context.Context, key string, ttl time.Duration) error

	Health(ctx context.Context) error
	Close() error
}

// Config holds cache configuration
type Config struct {
	Provider        string        `json:"provider" yaml:"provider"` // "memory", "redis"
	TTL             time.Duration `json:"ttl" yaml:"ttl"`
	MaxKeys         int           `json:"max_keys" yaml:"max_keys"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	KeyPrefix       string        `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Provider:        "memory",
		TTL:             5 * time.Minute,
		MaxKeys:         10000,
		CleanupInterval: time.Minute,
		KeyPrefix:       "livecomments:",
	}
}

// ===============================
// MEMORY CACHE IMPLEMENTATION
// ===============================

type memoryCache struct {
	mu        sync.Mutex
	items     map[string]*cacheItem
	config    *Config
	logger    *zap.Logger
	stopCh    chan struct{}
	closeOnce sync.Once
}

type cacheItem struct {
	value      []byte
	expiresAt  time.Time
	accessedAt time.Time
}

func (i *cacheItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(config *Config, logger *zap.Logger) Cache {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &memoryCache{
		items:  make(map[string]*cacheItem),
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go c.cleanup()
	}
	return c
}

// lookupLocked returns the live item at key, dropping it if expired
func (c *memoryCache) lookupLocked(key string, now time.Time) (*cacheItem, bool) {
	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if item.expired(now) {
		delete(c.items, key)
		return nil, false
	}
	return item, true
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	item, ok := c.lookupLocked(key, now)
	if !ok {
		return nil, false
	}
	item.accessedAt = now
	return append([]byte(nil), item.value...), true
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.config.MaxKeys > 0 && len(c.items) >= c.config.MaxKeys {
		c.evictLRU()
	}
	if ttl <= 0 {
		ttl = c.config.TTL
	}

	now := time.Now()
	c.items[key] = &cacheItem{
		value:      append([]byte(nil), value...),
		expiresAt:  now.Add(ttl),
		accessedAt: now,
	}
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *memoryCache) Exists(ctx context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lookupLocked(key, time.Now())
	return ok
}

// Increment keeps counters as decimal text, matching Redis INCRBY. A new
// counter has no expiry until SetTTL is called.
func (c *memoryCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	item, ok := c.lookupLocked(key, now)
	if !ok {
		c.items[key] = &cacheItem{
			value:      []byte(strconv.FormatInt(delta, 10)),
			accessedAt: now,
		}
		return delta, nil
	}

	current, err := strconv.ParseInt(string(item.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value is not numeric")
	}
	current += delta
	item.value = []byte(strconv.FormatInt(current, 10))
	item.accessedAt = now
	return current, nil
}

func (c *memoryCache) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.lookupLocked(key, time.Now()); ok {
		item.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

func (c *memoryCache) Health(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("cache is closed")
	default:
		return nil
	}
}

func (c *memoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	return nil
}

// cleanup runs periodic cleanup of expired items
func (c *memoryCache) cleanup() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *memoryCache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expired := 0
	for key, item := range c.items {
		if item.expired(now) {
			delete(c.items, key)
			expired++
		}
	}

	if expired > 0 {
		c.logger.Debug("Cleaned up expired cache items",
			zap.Int("expired_count", expired),
			zap.Int("remaining_count", len(c.items)),
		)
	}
}

// evictLRU evicts the least recently used item
func (c *memoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.accessedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.accessedAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

// ===============================
// REDIS CACHE IMPLEMENTATION
// ===============================

type redisCache struct {
	client redis.UniversalClient
	logger *zap.Logger
	config *Config
}

// Connect parses a Redis URL and verifies the server answers
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisCache creates a cache on an existing client. Keys are namespaced
// with config.KeyPrefix. Close does not close the shared client.
func NewRedisCache(client redis.UniversalClient, config *Config, logger *zap.Logger) Cache {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisCache{client: client, logger: logger, config: config}
}

func (r *redisCache) key(k string) string {
	return r.config.KeyPrefix + k
}

func (r *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	} else if err != nil {
		r.logger.Error("Failed to get from Redis",
			zap.String("key", key),
			zap.Error(err))
		return nil, false
	}
	return val, true
}

func (r *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.config.TTL
	}
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *redisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *redisCache) Exists(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		r.logger.Error("Failed to check key in Redis",
			zap.String("key", key),
			zap.Error(err))
		return false
	}
	return n > 0
}

func (r *redisCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return r.client.IncrBy(ctx, r.key(key), delta).Result()
}

func (r *redisCache) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.config.TTL
	}
	return r.client.Expire(ctx, r.key(key), ttl).Err()
}

func (r *redisCache) Health(ctx context.Context) error {
	_, err := r.client.Ping(ctx).Result()
	return err
}

func (r *redisCache) Close() error {
	return nil
}

// ===============================
// FACTORY FUNCTION
// ===============================

// NewCache returns a Redis cache when a client is given and the provider
// allows it, otherwise an in-memory cache
func NewCache(config *Config, client redis.UniversalClient, logger *zap.Logger) (Cache, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(config.Provider) {
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis cache requires a redis client")
		}
		logger.Info("Using Redis cache", zap.String("key_prefix", config.KeyPrefix))
		return NewRedisCache(client, config, logger), nil
	case "memory", "":
		logger.Info("Using in-memory cache")
		return NewMemoryCache(config, logger), nil
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", config.Provider)
	}
}
