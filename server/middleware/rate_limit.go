package middleware

import (
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix = "session:"
	ipKeyPrefix      = "ip:"

	bucketIdleTTL   = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// Limit is a token bucket refilled at RPS up to Burst.
type Limit struct {
	RPS   float64
	Burst int
}

// KeyFunc picks the bucket a request draws from.
type KeyFunc func(c *gin.Context) string

// ByClientIP shares one bucket per remote address.
func ByClientIP(c *gin.Context) string {
	return ipKeyPrefix + c.ClientIP()
}

// BySession gives every session in the path its own bucket, so one busy
// session cannot starve another behind the same address.
func BySession(param string) KeyFunc {
	return func(c *gin.Context) string {
		if id := c.Param(param); id != "" {
			return sessionKeyPrefix + id
		}
		return ByClientIP(c)
	}
}

type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	limit    Limit
	now      func() time.Time
	logger   *zap.Logger
	rejected *atomic.Int64

	stopCh chan struct{}
	once   sync.Once
}

type bucket struct {
	limit  Limit
	tokens float64
	last   time.Time
}

// RateLimiterStats is reported on the admin stats route.
type RateLimiterStats struct {
	Buckets        int     `json:"buckets"`
	SessionBuckets int     `json:"session_buckets"`
	DefaultRPS     float64 `json:"default_rps"`
	Burst          int     `json:"burst"`
	Rejected       int64   `json:"rejected"`
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		limit:    Limit{RPS: float64(defaultRPS), Burst: burst},
		now:      time.Now,
		logger:   logger,
		rejected: atomic.NewInt64(0),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// RateLimit applies the default limit per client address.
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.LimitBy(ByClientIP, rl.limit)
}

// LimitBy applies limit to the buckets chosen by key.
func (rl *RateLimiter) LimitBy(key KeyFunc, limit Limit) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		if rl.allow(k, limit) {
			c.Next()
			return
		}

		rl.rejected.Inc()
		rl.logger.Warn("Rate limit exceeded",
			zap.String("bucket", k),
			zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "Rate limit exceeded",
			"retry_after": retryAfter(limit),
		})
	}
}

func (rl *RateLimiter) allow(key string, limit Limit) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limit: limit, tokens: float64(limit.Burst), last: now}
		rl.buckets[key] = b
	}
	return b.take(now)
}

// take refills for the time since the last call and spends one token.
func (b *bucket) take(now time.Time) bool {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(b.limit.Burst), b.tokens+elapsed*b.limit.RPS)
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func retryAfter(limit Limit) int {
	if limit.RPS <= 0 {
		return 1
	}
	return int(math.Max(1, math.Ceil(1/limit.RPS)))
}

// Forget drops the bucket of an ended session.
func (rl *RateLimiter) Forget(sessionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, sessionKeyPrefix+sessionID)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.last) > bucketIdleTTL {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := RateLimiterStats{
		Buckets:    len(rl.buckets),
		DefaultRPS: rl.limit.RPS,
		Burst:      rl.limit.Burst,
		Rejected:   rl.rejected.Load(),
	}
	for key := range rl.buckets {
		if strings.HasPrefix(key, sessionKeyPrefix) {
			stats.SessionBuckets++
		}
	}
	return stats
}

func (rl *RateLimiter) Shutdown() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}
