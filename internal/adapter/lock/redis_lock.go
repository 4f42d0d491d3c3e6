// Package lock provides the distributed lock used to keep periodic jobs
// single-flight across service instances.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/fixora/sagacore/internal/logger"
	"github.com/fixora/sagacore/internal/ports"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Config holds redis connection settings
type Config struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisLocker implements ports.Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client *redis.Client
	logger logger.Logger
	prefix string
}

// NewLocker returns a redis-backed locker, or a process-local noop locker
// when redis is disabled.
func NewLocker(cfg Config, log logger.Logger) (ports.Locker, func() error, error) {
	if !cfg.Enabled {
		log.Info(context.Background(), "Distributed locking disabled", nil)
		return noopLocker{}, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
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

	log.Info(ctx, "Distributed locking initialized", map[string]interface{}{"addr": cfg.Addr, "db": cfg.DB})
	return NewRedisLocker(client, log), client.Close, nil
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client *redis.Client, log logger.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		logger: log.WithFields(map[string]interface{}{"component": "redis_lock"}),
		prefix: "lock:",
	}
}

// TryLock acquires key for ttl without blocking. ok is false when another
// holder has it. release is safe to call after the lock expired.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	name := l.prefix + key

	ok, err := l.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		l.logger.Debug(ctx, "Lock held elsewhere", map[string]interface{}{"key": key})
		return nil, false, nil
	}

	release := func() {
		// the caller's context may already be cancelled
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{name}, token).Err(); err != nil {
			l.logger.Error(rctx, "Failed to release lock", err, map[string]interface{}{"key": key})
		}
	}
	return release, true, nil
}

type noopLocker struct{}

func (noopLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
