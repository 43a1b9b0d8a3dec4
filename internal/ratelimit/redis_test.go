package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ethgate/ethgate/internal/config"
)

func newTestRedisLimiter(t *testing.T, prefix string) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, prefix), mr
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	l, _ := newTestRedisLimiter(t, "")
	now := time.Unix(2000, 0)

	for i := 0; i < 2; i++ {
		res, err := l.Allow(context.Background(), "alice", 2, now)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("allow %d: expected allowed", i)
		}
		if res.Remaining != 2-(i+1) {
			t.Fatalf("allow %d: expected remaining=%d, got %d", i, 2-(i+1), res.Remaining)
		}
	}

	res, err := l.Allow(context.Background(), "alice", 2, now)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected third call in the same second to be rejected")
	}

	res, err = l.Allow(context.Background(), "alice", 2, now.Add(time.Second))
	if err != nil {
		t.Fatalf("allow next window: %v", err)
	}
	if !res.Allowed || res.Remaining != 1 {
		t.Fatalf("expected fresh window, got %+v", res)
	}
}

func TestRedisLimiter_DefaultKeyNamespace(t *testing.T) {
	l, mr := newTestRedisLimiter(t, "")
	now := time.Unix(2000, 0)

	if _, err := l.Allow(context.Background(), "alice", 5, now); err != nil {
		t.Fatalf("allow: %v", err)
	}

	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one window key, got %v", keys)
	}
	if !strings.HasPrefix(keys[0], defaultKeyPrefix+":alice:") {
		t.Fatalf("expected namespaced key, got %q", keys[0])
	}
	if ttl := mr.TTL(keys[0]); ttl <= 0 || ttl > redisWindowTTLSeconds*time.Second {
		t.Fatalf("expected bounded window ttl, got %s", ttl)
	}
}

func TestRedisLimiter_CustomPrefix(t *testing.T) {
	l, mr := newTestRedisLimiter(t, "gatewest")
	now := time.Unix(2000, 0)

	if _, err := l.Allow(context.Background(), "alice", 5, now); err != nil {
		t.Fatalf("allow: %v", err)
	}
	keys := mr.Keys()
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "gatewest:alice:") {
		t.Fatalf("expected custom prefix key, got %v", keys)
	}
}

func TestManager_RedisBackendEnforcesLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	now := time.Unix(2000, 0)
	m := NewManager(1, config.RedisConfig{Addr: mr.Addr()}, func() time.Time { return now })

	res, err := m.Allow(context.Background(), "alice")
	if err != nil || !res.Allowed {
		t.Fatalf("first call: %+v err=%v", res, err)
	}
	res, err = m.Allow(context.Background(), "alice")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected redis-backed denial in the same second")
	}
	if len(mr.Keys()) == 0 {
		t.Fatal("expected the redis backend to hold the window state")
	}
}

func TestManager_FallsBackToMemoryWhenRedisDies(t *testing.T) {
	mr := miniredis.RunT(t)
	now := time.Unix(2000, 0)
	m := NewManager(1, config.RedisConfig{Addr: mr.Addr()}, func() time.Time { return now })

	if res, err := m.Allow(context.Background(), "alice"); err != nil || !res.Allowed {
		t.Fatalf("redis-backed call: %+v err=%v", res, err)
	}

	mr.Close()
	now = now.Add(time.Second)

	// The failed redis call trips the breaker and repeats on memory.
	res, err := m.Allow(context.Background(), "alice")
	if err != nil || !res.Allowed {
		t.Fatalf("fallback call: %+v err=%v", res, err)
	}
	res, err = m.Allow(context.Background(), "alice")
	if err != nil {
		t.Fatalf("fallback second call: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected the memory fallback to keep enforcing the limit")
	}
}
