// Package ratelimit provides a token bucket shared through Redis. It throttles
// notification delivery per channel and mutating API calls per operator.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a rate limiter whose state lives in a Redis hash per key, so
// every process sharing the Redis instance draws from the same bucket.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Decision is the outcome of one Reserve call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// NewTokenBucket returns a bucket holding at most capacity tokens, refilled at
// refillPerSecond. Keys are stored under prefix and expire after ttl idle.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock replaces the time source passed to the bucket script.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Reserve takes one token for key when one is available. A denied call
// reports how long until the next token arrives; zero means never.
func (b *TokenBucket) Reserve(ctx context.Context, key string) (Decision, error) {
	args := []any{b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()}
	vals, err := reserveScript.Run(ctx, b.client, []string{b.prefix + key}, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, vals)
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Remaining:  int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// Allow is Reserve reduced to the allowed flag and the whole tokens left.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	d, err := b.Reserve(ctx, key)
	if err != nil {
		return false, 0, err
	}
	return d.Allowed, float64(d.Remaining), nil
}

// The hash holds the fractional token level and the time it was computed.
// Replies are integers: allowed, floor(level), wait in ms.
var reserveScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local idle = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'level', 'at')
local level = tonumber(state[1]) or cap
local at = tonumber(state[2]) or now
if now > at then
  level = math.min(cap, level + (now - at) * rate / 1000)
end

local ok, wait = 0, 0
if level >= 1 then
  ok = 1
  level = level - 1
elseif rate > 0 then
  wait = math.ceil((1 - level) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'level', level, 'at', math.max(now, at))
if idle > 0 then
  redis.call('PEXPIRE', KEYS[1], idle)
end
return {ok, math.floor(level), wait}
`)
