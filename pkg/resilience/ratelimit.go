package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript atomically refills and consumes one token.
// KEYS[1] bucket key; ARGV[1] capacity; ARGV[2] refill window seconds;
// ARGV[3] now (unix ms). Returns {allowed, retry_after_seconds}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'refilled_at')
local tokens = tonumber(bucket[1])
local refilled_at = tonumber(bucket[2])

if tokens == nil then
  tokens = capacity
  refilled_at = now
end

local elapsed = (now - refilled_at) / 1000
local refill = elapsed * (capacity / window)
tokens = math.min(capacity, tokens + refill)

if tokens >= 1 then
  tokens = tokens - 1
  redis.call('HMSET', key, 'tokens', tokens, 'refilled_at', now)
  redis.call('EXPIRE', key, window * 2)
  return {1, 0}
end

local wait = math.ceil((1 - tokens) / (capacity / window))
redis.call('HMSET', key, 'tokens', tokens, 'refilled_at', now)
redis.call('EXPIRE', key, window * 2)
return {0, wait}
`)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter is a distributed token bucket: N requests per 60s window per
// key. A Redis failure never blocks the caller: the limiter fails open and
// falls back to a per-process bucket.
type RateLimiter struct {
	rdb      *redis.Client
	capacity int
	window   time.Duration

	mu    sync.Mutex
	local map[string]*localBucket
}

type localBucket struct {
	tokens     float64
	refilledAt time.Time
}

// NewRateLimiter creates a limiter allowing capacity requests per window.
// rdb may be nil (local-only mode).
func NewRateLimiter(rdb *redis.Client, capacity int, window time.Duration) *RateLimiter {
	if capacity <= 0 {
		capacity = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		rdb:      rdb,
		capacity: capacity,
		window:   window,
		local:    make(map[string]*localBucket),
	}
}

// Allow consumes one token for key, returning the decision. On a Redis
// error the limiter logs a warning and fails open; a limiter outage must
// not become a search outage.
func (l *RateLimiter) Allow(ctx context.Context, key string) Decision {
	if l.rdb != nil {
		res, err := tokenBucketScript.Run(ctx, l.rdb,
			[]string{"rl:" + key},
			l.capacity, int(l.window.Seconds()), time.Now().UnixMilli(),
		).Int64Slice()
		if err == nil && len(res) == 2 {
			if res[0] == 1 {
				return Decision{Allowed: true}
			}
			retry := time.Duration(res[1]) * time.Second
			if retry < time.Second {
				retry = time.Second
			}
			return Decision{Allowed: false, RetryAfter: retry}
		}
		if err != nil {
			slog.Warn("Rate limiter Redis error, failing open", "key", key, "error", err)
			return Decision{Allowed: true}
		}
	}
	return l.allowLocal(key)
}

func (l *RateLimiter) allowLocal(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.local[key]
	if !ok {
		b = &localBucket{tokens: float64(l.capacity), refilledAt: now}
		l.local[key] = b
	}

	rate := float64(l.capacity) / l.window.Seconds()
	b.tokens += now.Sub(b.refilledAt).Seconds() * rate
	if b.tokens > float64(l.capacity) {
		b.tokens = float64(l.capacity)
	}
	b.refilledAt = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}
	}
	wait := time.Duration((1-b.tokens)/rate*float64(time.Second)) + time.Second
	return Decision{Allowed: false, RetryAfter: wait}
}
