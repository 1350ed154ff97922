package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryLimiter is the single-process limiter used by tests and local runs.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{entries: make(map[string]*memoryEntry), now: time.Now}
}

// WithClock replaces the time source.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}
	now := l.now()
	k, resetIn := windowKey(key, window, now)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictExpired(now)

	e, ok := l.entries[k]
	if !ok {
		e = &memoryEntry{expiresAt: now.Add(resetIn)}
		l.entries[k] = e
	}
	e.count++
	return Counter{Count: e.count, ResetIn: resetIn}, nil
}

func (l *MemoryLimiter) Peek(ctx context.Context, key string, window time.Duration) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}
	now := l.now()
	k, resetIn := windowKey(key, window, now)

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[k]; ok && now.Before(e.expiresAt) {
		return Counter{Count: e.count, ResetIn: resetIn}, nil
	}
	return Counter{ResetIn: resetIn}, nil
}

// evictExpired expects l.mu to be held.
func (l *MemoryLimiter) evictExpired(now time.Time) {
	for k, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, k)
		}
	}
}
