package cache

import (
	"context"
	"crypto/md5"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// MemoryCache is a size-bounded TTL cache with least-recently-used eviction.
type MemoryCache struct {
	items   map[string]*CacheItem
	mutex   sync.RWMutex
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger
	cleanup *time.Ticker
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time

	hits      *atomic.Int64
	misses    *atomic.Int64
	evictions *atomic.Int64
}

type CacheItem struct {
	Value       any
	ExpiresAt   time.Time
	LastUsed    time.Time
	AccessCount int64
}

func NewMemoryCache(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache {
	if maxSize < 1 {
		maxSize = 1
	}

	cache := &MemoryCache{
		items:     make(map[string]*CacheItem),
		maxSize:   maxSize,
		ttl:       ttl,
		logger:    logger,
		stopCh:    make(chan struct{}),
		now:       time.Now,
		hits:      atomic.NewInt64(0),
		misses:    atomic.NewInt64(0),
		evictions: atomic.NewInt64(0),
	}

	cache.cleanup = time.NewTicker(1 * time.Minute)
	go cache.cleanupExpired()

	return cache
}

func (c *MemoryCache) Set(ctx context.Context, key string, value any) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *MemoryCache) Get(ctx context.Context, key string) (any, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.misses.Inc()
		return nil, ErrCacheMiss
	}

	now := c.now()
	if now.After(item.ExpiresAt) {
		delete(c.items, key)
		c.misses.Inc()
		return nil, ErrCacheMiss
	}

	item.LastUsed = now
	item.AccessCount++
	c.hits.Inc()
	return item.Value, nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
	return nil
}

func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists {
		return false, nil
	}

	return !c.now().After(item.ExpiresAt), nil
}

func (c *MemoryCache) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	now := c.now()
	c.items[key] = &CacheItem{
		Value:       value,
		ExpiresAt:   now.Add(ttl),
		LastUsed:    now,
		AccessCount: 1,
	}

	return nil
}

func (c *MemoryCache) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, exists := c.items[key]
	if !exists {
		return 0, ErrCacheMiss
	}

	now := c.now()
	if now.After(item.ExpiresAt) {
		return 0, ErrCacheMiss
	}

	return item.ExpiresAt.Sub(now), nil
}

func (c *MemoryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	stats := &CacheStats{
		Items:     len(c.items),
		MaxSize:   c.maxSize,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}

	for _, item := range c.items {
		if now.After(item.ExpiresAt) {
			stats.Expired++
		}
		stats.AccessCount += item.AccessCount
	}

	return stats, nil
}

func (c *MemoryCache) Close() error {
	c.once.Do(func() {
		c.cleanup.Stop()
		close(c.stopCh)
	})
	return nil
}

func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.LastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.LastUsed
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.evictions.Inc()
		c.logger.Debug("Evicted cache entry", zap.String("key", oldestKey))
	}
}

func (c *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			c.mutex.Lock()
			now := c.now()
			for key, item := range c.items {
				if now.After(item.ExpiresAt) {
					delete(c.items, key)
				}
			}
			c.mutex.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

func GenerateCacheKey(components ...string) string {
	h := md5.New()
	for _, component := range components {
		h.Write([]byte(component))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
