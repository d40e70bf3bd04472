package memory

import (
	"context"
	"testing"
	"time"
)

func TestAnswerCachePutGet(t *testing.T) {
	cache := NewAnswerCache(time.Hour)
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "q1"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	cache.Put(ctx, "q1", "x")
	answer, ok := cache.Get(ctx, "q1")
	if !ok || answer != "x" {
		t.Fatalf("expected cached answer x, got %q %v", answer, ok)
	}
}

func TestAnswerCacheIgnoresEmptyAnswers(t *testing.T) {
	cache := NewAnswerCache(time.Hour)
	ctx := context.Background()

	cache.Put(ctx, "q1", "")
	if _, ok := cache.Get(ctx, "q1"); ok {
		t.Fatalf("empty answer must not be cached")
	}
}

func TestAnswerCacheExpiry(t *testing.T) {
	now := time.Now()
	cache := NewAnswerCacheWithClock(time.Minute, func() time.Time { return now })
	ctx := context.Background()

	cache.Put(ctx, "q1", "x")
	if _, ok := cache.Get(ctx, "q1"); !ok {
		t.Fatalf("expected hit before expiry")
	}

	// Jitter adds at most 10%, so 2x the TTL is safely past expiry.
	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get(ctx, "q1"); ok {
		t.Fatalf("expected miss after expiry")
	}
}

func TestAnswerCacheZeroTTLNeverExpires(t *testing.T) {
	now := time.Now()
	cache := NewAnswerCacheWithClock(0, func() time.Time { return now })
	ctx := context.Background()

	cache.Put(ctx, "q1", "x")
	now = now.Add(24 * time.Hour)
	if _, ok := cache.Get(ctx, "q1"); !ok {
		t.Fatalf("zero TTL should mean no expiry")
	}
}
