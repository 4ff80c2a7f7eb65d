package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Remaining int64
	// RetryAfter is how long until enough tokens refill: zero when allowed,
	// negative when the bucket never refills.
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket shared by every API replica. Each
// key is an independent bucket stored as a hash.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket builds a bucket holding up to capacity tokens and refilling at
// refillPerSecond. Idle buckets expire after ttl.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock replaces the clock handed to the script.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Allow takes one token from key's bucket.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	return b.Take(ctx, key, 1)
}

// Take removes n tokens atomically, or none when fewer than n are available.
func (b *TokenBucket) Take(ctx context.Context, key string, n int) (Decision, error) {
	if n <= 0 {
		return Decision{}, fmt.Errorf("ratelimit: take %d tokens", n)
	}
	if n > b.capacity {
		return Decision{}, fmt.Errorf("ratelimit: take %d exceeds capacity %d", n, b.capacity)
	}
	res, err := takeScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds(), n).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit %s: unexpected reply length %d", key, len(res))
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  res[1],
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// Replies are integers; Redis truncates Lua numbers. The fractional balance
// stays in the hash.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local want = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

if now > last then
  tokens = math.min(capacity, tokens + (now - last) / 1000 * rate)
end

local granted = 0
local wait = 0
if tokens >= want then
  granted = 1
  tokens = tokens - want
elseif rate > 0 then
  wait = math.ceil((want - tokens) / rate * 1000)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_ms', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {granted, math.floor(tokens), wait}
`)
