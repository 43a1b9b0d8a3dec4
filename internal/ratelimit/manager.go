package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ethgate/ethgate/internal/config"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// redisBreakerDuration is how long Redis stays benched after a failure.
const redisBreakerDuration = 30 * time.Second

// Manager enforces a fixed per-second limit per account, preferring the
// Redis backend when configured and healthy and falling back to the
// in-memory limiter otherwise.
type Manager struct {
	limit        int
	nowFn        func() time.Time
	memory       Limiter
	redisLimiter *RedisLimiter

	mu           sync.Mutex
	breakerUntil time.Time
}

// NewManager constructs a Manager from config. A limit of zero or below
// disables rate limiting entirely.
func NewManager(limit int, redisCfg config.RedisConfig, nowFn func() time.Time) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	m := &Manager{
		limit:  limit,
		nowFn:  nowFn,
		memory: NewMemoryLimiter(),
	}
	if redisCfg.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})
		m.redisLimiter = NewRedisLimiter(client, redisCfg.Prefix)
	}
	return m
}

// Allow checks the account key against the configured per-second limit.
// A Redis failure never rejects traffic by itself; the check repeats on the
// in-memory backend and Redis is retried after the breaker window.
func (m *Manager) Allow(ctx context.Context, key string) (Result, error) {
	if m == nil || m.limit <= 0 {
		return Result{Allowed: true}, nil
	}
	now := m.nowFn()

	if backend := m.redisBackend(now); backend != nil {
		result, err := backend.Allow(ctx, key, m.limit, now)
		if err == nil {
			return result, nil
		}
		m.tripBreaker(now)
		log.WithError(err).Warn("ratelimit: redis backend failed, falling back to memory")
	}

	return m.memory.Allow(ctx, key, m.limit, now)
}

func (m *Manager) redisBackend(now time.Time) *RedisLimiter {
	if m.redisLimiter == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Before(m.breakerUntil) {
		return nil
	}
	return m.redisLimiter
}

func (m *Manager) tripBreaker(now time.Time) {
	m.mu.Lock()
	m.breakerUntil = now.Add(redisBreakerDuration)
	m.mu.Unlock()
}
