package resilience

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func breakerRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func trip(ctx context.Context, cb *CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		cb.RecordFailure(ctx)
	}
}

func TestCircuitBreakerTrips(t *testing.T) {
	ctx := context.Background()
	_, rdb := breakerRedis(t)
	cb := NewCircuitBreaker("pncp", 3, time.Minute, rdb)

	assert.True(t, cb.CanExecute(ctx))

	trip(ctx, cb, 2)
	assert.True(t, cb.CanExecute(ctx), "below threshold stays closed")

	cb.RecordFailure(ctx)
	assert.False(t, cb.CanExecute(ctx), "threshold reached opens the breaker")
	assert.True(t, cb.Open(ctx))
}

func TestCircuitBreakerRecovery(t *testing.T) {
	ctx := context.Background()
	_, rdb := breakerRedis(t)
	cb := NewCircuitBreaker("pncp", 2, time.Minute, rdb)

	trip(ctx, cb, 2)
	require.False(t, cb.CanExecute(ctx))

	cb.RecordSuccess(ctx)
	assert.True(t, cb.CanExecute(ctx))
	assert.False(t, cb.Open(ctx))
	assert.Zero(t, cb.State(ctx).Failures)
}

func TestCircuitBreakerHalfOpenSingleProbe(t *testing.T) {
	ctx := context.Background()
	_, rdb := breakerRedis(t)
	cb := NewCircuitBreaker("pncp", 2, 50*time.Millisecond, rdb)

	trip(ctx, cb, 2)
	require.False(t, cb.CanExecute(ctx))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.TryRecover(ctx))
	assert.True(t, cb.CanExecute(ctx), "first caller after cooldown gets the probe")
	assert.False(t, cb.CanExecute(ctx), "second caller is still rejected")
}

func TestCircuitBreakerFailedProbeDoublesCooldown(t *testing.T) {
	ctx := context.Background()
	_, rdb := breakerRedis(t)
	cb := NewCircuitBreaker("pncp", 2, 50*time.Millisecond, rdb)

	trip(ctx, cb, 2)
	time.Sleep(60 * time.Millisecond)
	require.True(t, cb.CanExecute(ctx)) // probe admitted

	cb.RecordFailure(ctx) // probe failed
	st := cb.State(ctx)
	assert.Equal(t, int64(100), st.CooldownMS)
	assert.False(t, cb.CanExecute(ctx))
}

func TestCircuitBreakerCooldownCap(t *testing.T) {
	ctx := context.Background()
	_, rdb := breakerRedis(t)
	cb := NewCircuitBreaker("pncp", 1, 20*time.Minute, rdb)

	// Seed a tripped record whose cooldown already elapsed: the next failed
	// probe would double 20min to 40min without the cap.
	seeded := BreakerState{
		Name:          "pncp",
		Failures:      1,
		Threshold:     1,
		DegradedUntil: time.Now().Add(-time.Second).UnixMilli(),
		CooldownMS:    (20 * time.Minute).Milliseconds(),
	}
	raw, err := json.Marshal(seeded)
	require.NoError(t, err)
	require.NoError(t, rdb.Set(ctx, "cb:pncp", raw, 0).Err())

	require.True(t, cb.CanExecute(ctx)) // probe admitted
	cb.RecordFailure(ctx)               // probe fails

	assert.Equal(t, maxCooldown.Milliseconds(), cb.State(ctx).CooldownMS)
}

func TestCircuitBreakerSharedState(t *testing.T) {
	ctx := context.Background()
	_, rdb := breakerRedis(t)

	a := NewCircuitBreaker("pncp", 2, time.Minute, rdb)
	b := NewCircuitBreaker("pncp", 2, time.Minute, rdb)

	trip(ctx, a, 2)
	assert.False(t, b.CanExecute(ctx), "replicas observe the shared trip")
}

func TestCircuitBreakerWithoutRedis(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker("pncp", 2, time.Minute, nil)

	assert.True(t, cb.CanExecute(ctx))
	trip(ctx, cb, 2)
	assert.False(t, cb.CanExecute(ctx))
	cb.RecordSuccess(ctx)
	assert.True(t, cb.CanExecute(ctx))
}

func TestCircuitBreakerStateTTL(t *testing.T) {
	ctx := context.Background()
	srv, rdb := breakerRedis(t)
	cb := NewCircuitBreaker("pncp", 2, time.Minute, rdb)
	cb.SetStateTTL(time.Hour)

	cb.RecordFailure(ctx)
	assert.Equal(t, time.Hour, srv.TTL("cb:pncp"))
}

func TestCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker("x", 0, 0, nil)
	assert.Equal(t, defaultThreshold, cb.threshold)
	assert.Equal(t, defaultCooldown, cb.cooldown)
}
