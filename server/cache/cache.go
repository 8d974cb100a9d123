package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores recent inference results so identical frames are not sent
// to the landmark service twice.
type Cache interface {
	Set(ctx context.Context, key string, value any) error

	Get(ctx context.Context, key string) (any, error)

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error

	GetTTL(ctx context.Context, key string) (time.Duration, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Items       int   `json:"items"`
	Expired     int   `json:"expired"`
	MaxSize     int   `json:"max_size"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	AccessCount int64 `json:"access_count"`
}
