package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// AnswerCache keeps correct answers learned from scoring calls, with a TTL so
// rotated question banks do not serve stale reveals forever.
type AnswerCache struct {
	ttl   time.Duration
	clock func() time.Time
	rnd   *rand.Rand

	mu      sync.RWMutex
	entries map[string]cachedAnswer
}

type cachedAnswer struct {
	answer    string
	expiresAt time.Time
}

func NewAnswerCache(ttl time.Duration) *AnswerCache {
	return &AnswerCache{
		ttl:     ttl,
		clock:   time.Now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		entries: make(map[string]cachedAnswer),
	}
}

// NewAnswerCacheWithClock is test-only for deterministic expiry.
func NewAnswerCacheWithClock(ttl time.Duration, clock func() time.Time) *AnswerCache {
	cache := NewAnswerCache(ttl)
	cache.clock = clock
	return cache
}

func (c *AnswerCache) Get(_ context.Context, questionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[questionID]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(c.clock()) {
		return "", false
	}
	return entry.answer, true
}

func (c *AnswerCache) Put(_ context.Context, questionID, answer string) {
	if answer == "" {
		return
	}
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.clock().Add(c.ttlWithJitter())
	}
	c.mu.Lock()
	c.entries[questionID] = cachedAnswer{answer: answer, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *AnswerCache) ttlWithJitter() time.Duration {
	// up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	if jitterMax <= 0 {
		return c.ttl
	}
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
