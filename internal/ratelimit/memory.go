package ratelimit

import (
	"context"
	"sync"
	"time"
)

// memorySweepInterval bounds how often stale account windows are pruned.
const memorySweepInterval = time.Minute

type memoryEntry struct {
	window int64
	count  int
}

// MemoryLimiter implements a fixed-window in-memory rate limiter. It is the
// default backend and the fallback when Redis is unavailable.
type MemoryLimiter struct {
	mu        sync.Mutex
	counters  map[string]*memoryEntry
	lastSweep int64
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*memoryEntry),
	}
}

// Allow checks whether the request should be allowed in the current second.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, now time.Time) (Result, error) {
	if limit <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}
	sec := now.Unix()
	reset := time.Unix(sec+1, 0).UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(sec)

	entry := l.counters[key]
	if entry == nil {
		entry = &memoryEntry{window: sec}
		l.counters[key] = entry
	}
	if entry.window != sec {
		entry.window = sec
		entry.count = 0
	}
	if entry.count >= limit {
		return Result{Allowed: false, Remaining: 0, Reset: reset}, nil
	}
	entry.count++
	return Result{Allowed: true, Remaining: limit - entry.count, Reset: reset}, nil
}

// sweep drops windows older than the current second so the counter map does
// not grow with the number of accounts seen since boot. Caller holds mu.
func (l *MemoryLimiter) sweep(sec int64) {
	if sec-l.lastSweep < int64(memorySweepInterval/time.Second) {
		return
	}
	l.lastSweep = sec
	for key, entry := range l.counters {
		if entry.window < sec {
			delete(l.counters, key)
		}
	}
}
