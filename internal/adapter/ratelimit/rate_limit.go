// Package ratelimit throttles inbound event publishing per caller with a
// Redis fixed-window counter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fixora/sagacore/internal/logger"
)

// Config holds limiter and redis connection settings
type Config struct {
	Enabled       bool
	Addr          string
	Password      string
	DB            int
	Timeout       time.Duration
	Limit         int
	Window        time.Duration
	BlockDuration time.Duration
}

// Policy is the per-key budget.
type Policy struct {
	Limit         int
	Window        time.Duration
	BlockDuration time.Duration
}

// Limiter decides whether a caller may proceed. retryAfter is set when the
// caller is refused.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RedisLimiter counts requests per key in fixed windows. A key that exceeds
// its budget is blocked for BlockDuration.
type RedisLimiter struct {
	client *redis.Client
	logger logger.Logger
	policy Policy
}

// NewLimiter returns a redis-backed limiter, or one that always allows when
// rate limiting is disabled.
func NewLimiter(cfg Config, log logger.Logger) (Limiter, func() error, error) {
	if !cfg.Enabled {
		log.Info(context.Background(), "Rate limiting disabled", nil)
		return noopLimiter{}, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	policy := Policy{Limit: cfg.Limit, Window: cfg.Window, BlockDuration: cfg.BlockDuration}
	log.Info(ctx, "Rate limiting service initialized", map[string]interface{}{
		"limit":          policy.Limit,
		"window":         policy.Window.String(),
		"block_duration": policy.BlockDuration.String(),
	})
	return NewRedisLimiter(client, log, policy), client.Close, nil
}

// NewRedisLimiter wraps an existing client.
func NewRedisLimiter(client *redis.Client, log logger.Logger, policy Policy) *RedisLimiter {
	if policy.Limit <= 0 {
		policy.Limit = 100
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	if policy.BlockDuration <= 0 {
		policy.BlockDuration = policy.Window
	}
	return &RedisLimiter{
		client: client,
		logger: log.WithFields(map[string]interface{}{"component": "rate_limit"}),
		policy: policy,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	blockKey := "ratelimit:blocked:" + key
	counterKey := "ratelimit:count:" + key

	ttl, err := l.client.PTTL(ctx, blockKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to check block status: %w", err)
	}
	if ttl > 0 {
		return false, ttl, nil
	}

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	pttl := pipe.PTTL(ctx, counterKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	// a fresh counter has no expiry yet
	if pttl.Val() < 0 {
		if err := l.client.PExpire(ctx, counterKey, l.policy.Window).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	if incr.Val() <= int64(l.policy.Limit) {
		return true, 0, nil
	}

	if err := l.client.Set(ctx, blockKey, incr.Val(), l.policy.BlockDuration).Err(); err != nil {
		return false, 0, fmt.Errorf("failed to block key: %w", err)
	}
	l.logger.Warn(ctx, "Key blocked due to rate limit exceeded", map[string]interface{}{
		"key":      key,
		"count":    incr.Val(),
		"duration": l.policy.BlockDuration.String(),
	})
	return false, l.policy.BlockDuration, nil
}

type noopLimiter struct{}

func (noopLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return true, 0, nil
}
