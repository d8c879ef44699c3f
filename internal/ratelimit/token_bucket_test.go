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

	clock := time.UnixMilli(1_700_000_000_000)
	b := NewTokenBucket(client, capacity, refill, time.Minute)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestTakeRespectsCapacityAndRefill(t *testing.T) {
	ctx := context.Background()
	b, clock := newBucket(t, 2, 1)

	for i := 0; i < 2; i++ {
		d, err := b.Take(ctx, "rl:tenant-a")
		if err != nil || !d.Allowed {
			t.Fatalf("take %d: expected allowed, got %+v err=%v", i, d, err)
		}
	}
	d, err := b.Take(ctx, "rl:tenant-a")
	if err != nil || d.Allowed {
		t.Fatalf("expected third take rejected, got %+v err=%v", d, err)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("retry after should be within one refill interval, got %s", d.RetryAfter)
	}

	if d, _ := b.Take(ctx, "rl:tenant-b"); !d.Allowed {
		t.Fatalf("buckets must be independent per key")
	}

	*clock = clock.Add(1500 * time.Millisecond)
	d, err = b.Take(ctx, "rl:tenant-a")
	if err != nil || !d.Allowed {
		t.Fatalf("expected refill after 1.5s, got %+v err=%v", d, err)
	}
	if d.Remaining < 0.4 || d.Remaining > 0.6 {
		t.Fatalf("expected half a token left, got %v", d.Remaining)
	}
}

func TestWaitStopsAtDeadline(t *testing.T) {
	b, _ := newBucket(t, 1, 0.01)

	if err := b.Wait(context.Background(), "jobs:global"); err != nil {
		t.Fatalf("first wait should pass: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.Wait(ctx, "jobs:global"); err == nil {
		t.Fatalf("expected wait to stop at context deadline")
	}
}

func TestDisabledBucketNeverBlocks(t *testing.T) {
	b, _ := newBucket(t, 0, 0)
	for i := 0; i < 5; i++ {
		d, err := b.Take(context.Background(), "jobs")
		if err != nil || !d.Allowed {
			t.Fatalf("disabled bucket must allow, got %+v err=%v", d, err)
		}
	}
	if err := b.Wait(context.Background(), "jobs"); err != nil {
		t.Fatalf("disabled bucket must not block: %v", err)
	}
}

