// Package resilience provides the shared protection primitives guarding
// upstream calls: circuit breakers, rate limiters, and adaptive timeouts.
// State lives in Redis so all replicas observe the same trips; every
// primitive degrades to in-process state when Redis is unreachable.
package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

var errUpstreamFailure = errors.New("upstream call failed")

const (
	cbKeyPrefix      = "cb:"
	cbStateTTL       = 24 * time.Hour
	maxCooldown      = 30 * time.Minute
	defaultThreshold = 5
	defaultCooldown  = 60 * time.Second
)

// BreakerState is the persisted record under cb:<name>.
type BreakerState struct {
	Name          string `json:"name"`
	Failures      int    `json:"failures"`
	Threshold     int    `json:"threshold"`
	DegradedUntil int64  `json:"degraded_until_epoch_ms"`
	LastFailureTS int64  `json:"last_failure_ts"`
	CooldownMS    int64  `json:"cooldown_ms"`
	HalfOpenProbe bool   `json:"half_open_probe"`
}

// CircuitBreaker is a named per-source breaker. Trip and recovery each emit
// exactly one log line; intermediate failure increments are never logged.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	stateTTL  time.Duration
	rdb       *redis.Client

	// In-process fallback used whenever Redis operations fail.
	fallback *gobreaker.CircuitBreaker

	mu         sync.Mutex
	local      BreakerState
	redisAlive bool
}

// NewCircuitBreaker creates a breaker. rdb may be nil (in-process only).
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration, rdb *redis.Client) *CircuitBreaker {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &CircuitBreaker{
		name:       name,
		threshold:  threshold,
		cooldown:   cooldown,
		stateTTL:   cbStateTTL,
		rdb:        rdb,
		redisAlive: rdb != nil,
		local: BreakerState{
			Name:       name,
			Threshold:  threshold,
			CooldownMS: cooldown.Milliseconds(),
		},
		fallback: newFallbackBreaker(name, threshold, cooldown),
	}
}

// SetStateTTL overrides how long the shared Redis record survives without
// updates. Deployment-tunable via CB_REDIS_TTL.
func (c *CircuitBreaker) SetStateTTL(ttl time.Duration) {
	if ttl > 0 {
		c.stateTTL = ttl
	}
}

func newFallbackBreaker(name string, threshold int, cooldown time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
	})
}

// CanExecute reports whether a call may proceed. In HALF_OPEN exactly one
// probe is admitted per cooldown expiry.
func (c *CircuitBreaker) CanExecute(ctx context.Context) bool {
	st, fromRedis := c.load(ctx)
	now := time.Now().UnixMilli()

	// Without the shared record the in-process gobreaker has the final say.
	if !fromRedis && c.localFallback().State() == gobreaker.StateOpen {
		return false
	}

	if st.Failures < st.Threshold {
		return true
	}
	if now < st.DegradedUntil {
		return false
	}
	// Cooldown elapsed: admit one probe.
	if st.HalfOpenProbe {
		return false
	}
	st.HalfOpenProbe = true
	c.store(ctx, st, fromRedis)
	return true
}

// RecordSuccess resets the breaker; emits one INFO line only when the
// breaker was actually open (recovery).
func (c *CircuitBreaker) RecordSuccess(ctx context.Context) {
	if _, err := c.localFallback().Execute(func() (any, error) { return nil, nil }); err != nil {
		// gobreaker refuses resets while open; swap in a fresh closed one so
		// the in-process copy matches the recovered shared state.
		c.mu.Lock()
		c.fallback = newFallbackBreaker(c.name, c.threshold, c.cooldown)
		c.mu.Unlock()
	}
	st, fromRedis := c.load(ctx)
	wasOpen := st.Failures >= st.Threshold

	st.Failures = 0
	st.DegradedUntil = 0
	st.HalfOpenProbe = false
	st.CooldownMS = c.cooldown.Milliseconds()
	c.store(ctx, st, fromRedis)

	if wasOpen {
		slog.Info("Circuit breaker recovered", "breaker", c.name)
	}
}

// RecordFailure increments the failure tally; emits one WARNING line only on
// the transition that trips the breaker. A failed HALF_OPEN probe doubles
// the cooldown up to the cap without logging again.
func (c *CircuitBreaker) RecordFailure(ctx context.Context) {
	_, _ = c.localFallback().Execute(func() (any, error) { return nil, errUpstreamFailure })
	st, fromRedis := c.load(ctx)
	now := time.Now().UnixMilli()

	wasOpen := st.Failures >= st.Threshold
	st.Failures++
	st.LastFailureTS = now

	if st.Failures >= st.Threshold {
		cooldown := time.Duration(st.CooldownMS) * time.Millisecond
		if wasOpen && st.HalfOpenProbe {
			// Probe failed: exponential cooldown, capped.
			cooldown *= 2
			if cooldown > maxCooldown {
				cooldown = maxCooldown
			}
			st.CooldownMS = cooldown.Milliseconds()
		}
		st.HalfOpenProbe = false
		st.DegradedUntil = now + cooldown.Milliseconds()
		if !wasOpen {
			slog.Warn("Circuit breaker tripped",
				"breaker", c.name,
				"failures", st.Failures,
				"cooldown", cooldown)
		}
	}
	c.store(ctx, st, fromRedis)
}

// TryRecover reports whether the cooldown has elapsed and a probe may run.
func (c *CircuitBreaker) TryRecover(ctx context.Context) bool {
	st, _ := c.load(ctx)
	if st.Failures < st.Threshold {
		return true
	}
	return time.Now().UnixMilli() >= st.DegradedUntil
}

// State returns a snapshot for metrics and the health endpoint.
func (c *CircuitBreaker) State(ctx context.Context) BreakerState {
	st, _ := c.load(ctx)
	return st
}

// Open reports whether calls are currently rejected.
func (c *CircuitBreaker) Open(ctx context.Context) bool {
	st, _ := c.load(ctx)
	return st.Failures >= st.Threshold && time.Now().UnixMilli() < st.DegradedUntil
}

// load reads the shared state, falling back to the in-process copy when
// Redis fails. The bool result records which store served the read.
func (c *CircuitBreaker) load(ctx context.Context) (BreakerState, bool) {
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, cbKeyPrefix+c.name).Bytes()
		switch {
		case err == redis.Nil:
			c.setRedisAlive(true)
			c.mu.Lock()
			st := c.local
			c.mu.Unlock()
			return st, true
		case err == nil:
			c.setRedisAlive(true)
			var st BreakerState
			if jsonErr := json.Unmarshal(raw, &st); jsonErr == nil {
				return st, true
			}
		default:
			c.setRedisAlive(false)
		}
	}
	c.mu.Lock()
	st := c.local
	c.mu.Unlock()
	return st, false
}

func (c *CircuitBreaker) store(ctx context.Context, st BreakerState, toRedis bool) {
	c.mu.Lock()
	c.local = st
	c.mu.Unlock()

	if toRedis && c.rdb != nil {
		raw, err := json.Marshal(st)
		if err != nil {
			return
		}
		if err := c.rdb.Set(ctx, cbKeyPrefix+c.name, raw, c.stateTTL).Err(); err != nil {
			c.setRedisAlive(false)
		}
	}
}

func (c *CircuitBreaker) localFallback() *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback
}

func (c *CircuitBreaker) setRedisAlive(alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redisAlive = alive
}
