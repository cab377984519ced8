package repo

import (
	"context"
	"sync"
	"time"

	"github.com/ask-mandi/server/internal/agent/model"
)

// MemoryResponseCache is the single-process cache used when REDIS_URL is unset.
type MemoryResponseCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	answer    model.CachedAnswer
	expiresAt time.Time
}

func NewMemoryResponseCache() *MemoryResponseCache {
	return &MemoryResponseCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryResponseCache) Get(_ context.Context, key string) (*model.CachedAnswer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	answer := e.answer
	return &answer, nil
}

func (c *MemoryResponseCache) Set(_ context.Context, key string, value *model.CachedAnswer, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{answer: *value, expiresAt: c.now().Add(ttl)}
	return nil
}

// MemoryRateLimiter is the single-process fixed-window limiter.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]memoryBucket
	now     func() time.Time
}

type memoryBucket struct {
	start time.Time
	count int
}

func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{limit: limit, window: window, buckets: make(map[string]memoryBucket), now: time.Now}
}

func (l *MemoryRateLimiter) Limit(_ context.Context, identity string) (model.LimitDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start, reset := windowBounds(l.now(), l.window)
	b := l.buckets[identity]
	if !b.start.Equal(start) {
		b = memoryBucket{start: start}
	}
	b.count++
	l.buckets[identity] = b
	return decide(b.count, l.limit, reset), nil
}

var (
	_ model.ResponseCache = (*MemoryResponseCache)(nil)
	_ model.RateLimiter   = (*MemoryRateLimiter)(nil)
)
