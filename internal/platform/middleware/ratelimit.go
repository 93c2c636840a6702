package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// Limiter decides whether one more request for key may proceed. When it may
// not, retryAfter says how long to wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func (b *tokenBucket) take(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = math.Min(b.maxTokens, b.tokens+now.Sub(b.lastRefill).Seconds()*b.refillRate)
	b.lastRefill = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, time.Second
	}
	return false, time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
}

// MemoryLimiter keeps one token bucket per key in process memory.
type MemoryLimiter struct {
	cfg     RateLimitConfig
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

func NewMemoryLimiter(cfg RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{cfg: cfg, buckets: make(map[string]*tokenBucket), now: time.Now}
}

func (l *MemoryLimiter) bucket(key string) *tokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = &tokenBucket{
		tokens:     float64(l.cfg.BurstSize),
		maxTokens:  float64(l.cfg.BurstSize),
		refillRate: l.cfg.RequestsPerSecond,
		lastRefill: l.now(),
	}
	l.buckets[key] = b
	return b
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	ok, wait := l.bucket(key).take(l.now())
	return ok, wait, nil
}

// RedisLimiter shares a fixed one-second window across replicas. Each window
// admits RequestsPerSecond requests plus the burst allowance.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	cfg    RateLimitConfig
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(rdb redis.UniversalClient, cfg RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cfg: cfg, prefix: "ratelimit:", now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	window := now.Unix()
	k := fmt.Sprintf("%s%s:%d", l.prefix, key, window)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}

	limit := int64(math.Ceil(l.cfg.RequestsPerSecond)) + int64(l.cfg.BurstSize)
	if incr.Val() <= limit {
		return true, 0, nil
	}
	return false, time.Unix(window+1, 0).Sub(now), nil
}

// RateLimit returns a rate limiting middleware keyed by actor and client IP.
// Limiter errors fail open and are logged.
func RateLimit(cfg RateLimitConfig, logger zerolog.Logger, limiters ...Limiter) echo.MiddlewareFunc {
	var limiter Limiter = NewMemoryLimiter(cfg)
	if len(limiters) > 0 && limiters[0] != nil {
		limiter = limiters[0]
	}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := ActorID(c) + ":" + c.RealIP()

			ok, wait, err := limiter.Allow(c.Request().Context(), key)
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
			}
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			if !ok {
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
