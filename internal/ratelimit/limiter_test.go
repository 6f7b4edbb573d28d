package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})
	return NewLimiter(client, "test:")
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:t:", Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "p1", rule)
		if err != nil || !ok {
			t.Fatalf("request %d: expected allowed, got ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "p1", rule); ok {
		t.Error("4th request should be limited")
	}

	// Other identifiers have their own counter.
	if ok, _ := l.Allow(ctx, "p2", rule); !ok {
		t.Error("p2 should not be limited")
	}
}

func TestAllow_SetsWindowTTL(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:t:", Limit: 3, Window: 30 * time.Second}

	l.Allow(ctx, "p1", rule)
	l.Allow(ctx, "p1", rule)

	ttl := l.RetryAfter(ctx, "p1", rule)
	if ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("expected TTL in (0,30s], got %v", ttl)
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:t:", Limit: 2, Window: time.Minute}

	if n, _ := l.Remaining(ctx, "p1", rule); n != 2 {
		t.Errorf("expected 2 remaining, got %d", n)
	}
	l.Allow(ctx, "p1", rule)
	l.Allow(ctx, "p1", rule)
	l.Allow(ctx, "p1", rule)
	if n, _ := l.Remaining(ctx, "p1", rule); n != 0 {
		t.Errorf("expected 0 remaining, got %d", n)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client, "test:")

	ok, err := l.Allow(context.Background(), "p1", RuleMatch)
	if err == nil {
		t.Fatal("expected a connection error")
	}
	if !ok {
		t.Error("expected fail-open")
	}
}
