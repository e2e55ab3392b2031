package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2023, 1, 5, 12, 0, 0, 0, time.UTC)
	b := NewTokenBucket(client, "openvdm:", capacity, refill, time.Minute)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	b, _ := newBucket(t, 2, 1)

	for i := 0; i < 2; i++ {
		d, err := b.Allow(ctx, "operator")
		if err != nil || !d.Allowed {
			t.Fatalf("submission %d: expected allowed, got %+v err=%v", i, d, err)
		}
	}
	d, err := b.Allow(ctx, "operator")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected third submission to be rejected")
	}

	other, _ := b.Allow(ctx, "scheduler")
	if !other.Allowed {
		t.Fatalf("expected separate callers to have separate buckets")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	b, now := newBucket(t, 1, 0.5)

	if d, _ := b.Allow(ctx, "operator"); !d.Allowed {
		t.Fatalf("expected first submission allowed")
	}
	*now = now.Add(time.Second)
	if d, _ := b.Allow(ctx, "operator"); d.Allowed {
		t.Fatalf("expected half a token after one second, got %+v", d)
	}
	*now = now.Add(time.Second)
	d, err := b.Allow(ctx, "operator")
	if err != nil || !d.Allowed {
		t.Fatalf("expected refilled token, got %+v err=%v", d, err)
	}
	if d.Tokens != 0 {
		t.Fatalf("expected empty bucket, got %v tokens", d.Tokens)
	}
}
