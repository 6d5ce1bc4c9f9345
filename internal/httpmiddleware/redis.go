package httpmiddleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "qrattend:ratelimit:"

// tokenBucketScript refills and charges one bucket atomically.
// KEYS[1] = bucket hash
// ARGV[1] = capacity, ARGV[2] = tokens per millisecond,
// ARGV[3] = now (unix ms), ARGV[4] = ttl (ms)
// Returns {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('HGET', KEYS[1], 't'))
local last = tonumber(redis.call('HGET', KEYS[1], 'l'))
if tokens == nil or last == nil then
	tokens = cap
	last = now
end
if now > last then
	tokens = math.min(cap, tokens + (now - last) * rate)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
else
	wait = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', KEYS[1], 't', tostring(tokens), 'l', tostring(now))
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {allowed, math.floor(tokens), wait}
`)

// RedisLimiter is a token bucket shared by every API replica.
type RedisLimiter struct {
	client   *redis.Client
	capacity int
	perMs    float64
	ttl      time.Duration
	now      func() time.Time
}

// NewRedis returns nil when perMinute is not positive, which disables limiting.
func NewRedis(client *redis.Client, capacity, perMinute int) *RedisLimiter {
	if perMinute <= 0 {
		return nil
	}
	if capacity <= 0 {
		capacity = perMinute
	}
	perMs := float64(perMinute) / float64(time.Minute/time.Millisecond)
	return &RedisLimiter{
		client:   client,
		capacity: capacity,
		perMs:    perMs,
		ttl:      time.Duration(float64(capacity)/perMs)*time.Millisecond + time.Minute,
		now:      time.Now,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := tokenBucketScript.Run(ctx, r.client, []string{redisKeyPrefix + key},
		r.capacity, r.perMs, r.now().UnixMilli(), r.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
