// Package ratelimit is a Redis token bucket shared by every process. The worker
// draws from one global key per job; the API draws from one key per tenant.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const minPause = 10 * time.Millisecond

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until a token is available. Zero when Allowed.
	RetryAfter time.Duration
}

type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a bucket. A capacity or refill of zero disables it:
// every Take is allowed.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (b *TokenBucket) disabled() bool { return b.capacity <= 0 || b.refill <= 0 }

// Take consumes one token for key when one is available.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	if b.disabled() {
		return Decision{Allowed: true, Remaining: float64(b.capacity)}, nil
	}
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected script result %v", key, res)
	}
	flag, _ := res[0].(int64)
	d := Decision{
		Allowed:    flag == 1,
		Remaining:  number(res[1]),
		RetryAfter: time.Duration(number(res[2])) * time.Millisecond,
	}
	return d, nil
}

// Wait blocks until a token for key is available or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context, key string) error {
	for {
		d, err := b.Take(ctx, key)
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}
		pause := d.RetryAfter
		if pause < minPause {
			pause = minPause
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

// number reads a Lua reply. Redis truncates Lua numbers to integers, so
// fractional values come back as strings.
func number(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		var f float64
		_, _ = fmt.Sscan(n, &f)
		return f
	}
	return 0
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
local retry = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  retry = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens), retry}
`)
