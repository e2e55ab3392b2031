// Package ratelimit throttles operator job submissions with a token bucket
// kept in Redis, so every api replica shares one budget per caller.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	Tokens  float64
}

// TokenBucket refills Refill tokens per second up to Capacity.
type TokenBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client redis.Scripter, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes one token from caller's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, caller string) (Decision, error) {
	key := b.prefix + "rl:" + caller
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", caller, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", caller, res)
	}
	allowed, _ := res[0].(int64)
	var tokens float64
	switch v := res[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		_, _ = fmt.Sscan(v, &tokens)
	}
	return Decision{Allowed: allowed == 1, Tokens: tokens}, nil
}

// tokens are returned as a string since Redis truncates Lua numbers to integers.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, tostring(tokens)}
`)
