package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeToken refills the bucket in KEYS[1] for the time since its last use
// and takes one token if available. It returns 0 when the token was taken,
// otherwise the milliseconds until one will be.
//
// ARGV: tokens per millisecond, capacity, now (unix ms), key ttl (ms).
var takeToken = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
tokens = math.min(capacity, tokens + math.max(0, now - ts) * rate)
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) / rate)
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return wait
`)

// RedisLimiter is a Backend whose buckets live in Redis.
type RedisLimiter struct {
	client    redis.Scripter
	prefix    string
	perMilli  string
	capacity  int
	ttlMillis int64
}

// NewRedisLimiter creates a limiter storing buckets under prefix. An empty
// prefix defaults to "chatshield:ratelimit:".
func NewRedisLimiter(client redis.Scripter, prefix string, cfg Config) *RedisLimiter {
	cfg = cfg.withDefaults()
	if prefix == "" {
		prefix = "chatshield:ratelimit:"
	}
	perMilli := cfg.RequestsPerSecond / 1000
	// A bucket left alone long enough to refill is indistinguishable from
	// a missing one, so it can expire then.
	refill := time.Duration(math.Ceil(float64(cfg.BurstSize)/perMilli)) * time.Millisecond
	return &RedisLimiter{
		client:    client,
		prefix:    prefix,
		perMilli:  strconv.FormatFloat(perMilli, 'g', -1, 64),
		capacity:  cfg.BurstSize,
		ttlMillis: (refill + time.Second).Milliseconds(),
	}
}

// Reserve implements Backend.
func (r *RedisLimiter) Reserve(ctx context.Context, key string, now time.Time) (time.Duration, error) {
	wait, err := takeToken.Run(ctx, r.client, []string{r.prefix + key},
		r.perMilli, r.capacity, now.UnixMilli(), r.ttlMillis).Int64()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return time.Duration(wait) * time.Millisecond, nil
}
