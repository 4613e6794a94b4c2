package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisTier(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		tier := NewRedisTier(newTestRedis(t))
		row := &Row{
			ParamsHash:  "hash1",
			UserID:      "u1",
			FetchedAt:   time.Now().UTC().Truncate(time.Second),
			AccessCount: 4,
			Priority:    PriorityWarm,
		}
		require.NoError(t, tier.Put(ctx, row))

		got, err := tier.Get(ctx, "hash1")
		require.NoError(t, err)
		assert.Equal(t, row.ParamsHash, got.ParamsHash)
		assert.Equal(t, row.UserID, got.UserID)
		assert.Equal(t, row.AccessCount, got.AccessCount)
	})

	t.Run("miss", func(t *testing.T) {
		tier := NewRedisTier(newTestRedis(t))
		_, err := tier.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("ttl follows priority", func(t *testing.T) {
		srv := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		defer client.Close()
		tier := NewRedisTier(client)

		hot := &Row{ParamsHash: "hot", Priority: PriorityHot, FetchedAt: time.Now()}
		cold := &Row{ParamsHash: "cold", Priority: PriorityCold, FetchedAt: time.Now()}
		require.NoError(t, tier.Put(ctx, hot))
		require.NoError(t, tier.Put(ctx, cold))

		assert.Equal(t, 12*time.Hour, srv.TTL("cache:hot"))
		assert.Equal(t, 2*time.Hour, srv.TTL("cache:cold"))
	})

	t.Run("unknown priority gets cold ttl", func(t *testing.T) {
		srv := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		defer client.Close()
		tier := NewRedisTier(client)

		row := &Row{ParamsHash: "x", FetchedAt: time.Now()}
		require.NoError(t, tier.Put(ctx, row))
		assert.Equal(t, 2*time.Hour, srv.TTL("cache:x"))
	})
}

func TestFileTier(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		tier, err := NewFileTier(t.TempDir())
		require.NoError(t, err)

		row := &Row{ParamsHash: "fhash", FetchedAt: time.Now().UTC().Truncate(time.Second)}
		require.NoError(t, tier.Put(ctx, row))

		got, err := tier.Get(ctx, "fhash")
		require.NoError(t, err)
		assert.Equal(t, "fhash", got.ParamsHash)
	})

	t.Run("miss", func(t *testing.T) {
		tier, err := NewFileTier(t.TempDir())
		require.NoError(t, err)
		_, err = tier.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("overwrite is atomic replace", func(t *testing.T) {
		tier, err := NewFileTier(t.TempDir())
		require.NoError(t, err)

		require.NoError(t, tier.Put(ctx, &Row{ParamsHash: "k", AccessCount: 1}))
		require.NoError(t, tier.Put(ctx, &Row{ParamsHash: "k", AccessCount: 2}))

		got, err := tier.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, 2, got.AccessCount)
	})

	t.Run("sweep removes only expired files", func(t *testing.T) {
		dir := t.TempDir()
		tier, err := NewFileTier(dir)
		require.NoError(t, err)

		require.NoError(t, tier.Put(ctx, &Row{ParamsHash: "fresh"}))
		require.NoError(t, tier.Put(ctx, &Row{ParamsHash: "old"}))
		past := time.Now().Add(-StaleWindow - time.Hour)
		require.NoError(t, os.Chtimes(tier.path("old"), past, past))

		removed, err := tier.sweep()
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = tier.Get(ctx, "old")
		assert.ErrorIs(t, err, ErrMiss)
		_, err = tier.Get(ctx, "fresh")
		assert.NoError(t, err)
	})

	t.Run("ping checks writability", func(t *testing.T) {
		tier, err := NewFileTier(t.TempDir())
		require.NoError(t, err)
		assert.NoError(t, tier.Ping(ctx))
	})
}
