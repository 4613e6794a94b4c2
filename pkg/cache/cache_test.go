package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// With every tier nil the cascade degrades to the bounded in-process copy.
// That path is what keeps repeat searches alive when Postgres, Redis, and the
// local disk are all unavailable.
func TestMultiLevelMemoryFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("put then get serves from memory", func(t *testing.T) {
		m := NewMultiLevel(nil, nil, nil)
		row := &Row{ParamsHash: "abc", FetchedAt: time.Now()}
		require.NoError(t, m.Put(ctx, row))

		lookup := m.Get(ctx, "abc")
		require.NotNil(t, lookup)
		assert.Equal(t, "memory", lookup.Tier)
		assert.Equal(t, StatusFresh, lookup.Status)
	})

	t.Run("miss returns nil", func(t *testing.T) {
		m := NewMultiLevel(nil, nil, nil)
		assert.Nil(t, m.Get(ctx, "nope"))
	})

	t.Run("stale entry still serves", func(t *testing.T) {
		m := NewMultiLevel(nil, nil, nil)
		row := &Row{ParamsHash: "old", FetchedAt: time.Now().Add(-10 * time.Hour)}
		require.NoError(t, m.Put(ctx, row))

		lookup := m.Get(ctx, "old")
		require.NotNil(t, lookup)
		assert.Equal(t, StatusStale, lookup.Status)
	})

	t.Run("expired entry does not serve", func(t *testing.T) {
		m := NewMultiLevel(nil, nil, nil)
		row := &Row{ParamsHash: "dead", FetchedAt: time.Now().Add(-48 * time.Hour)}
		require.NoError(t, m.Put(ctx, row))

		assert.Nil(t, m.Get(ctx, "dead"))
	})

	t.Run("expired entry inside degradation window serves as stale", func(t *testing.T) {
		m := NewMultiLevel(nil, nil, nil)
		until := time.Now().Add(30 * time.Minute)
		row := &Row{
			ParamsHash:    "degraded",
			FetchedAt:     time.Now().Add(-48 * time.Hour),
			DegradedUntil: &until,
		}
		require.NoError(t, m.Put(ctx, row))

		lookup := m.Get(ctx, "degraded")
		require.NotNil(t, lookup)
		assert.Equal(t, StatusStale, lookup.Status)
	})

	t.Run("put recomputes priority", func(t *testing.T) {
		m := NewMultiLevel(nil, nil, nil)
		row := &Row{ParamsHash: "hot", FetchedAt: time.Now(), AccessCount: 12}
		require.NoError(t, m.Put(ctx, row))
		assert.Equal(t, PriorityHot, row.Priority)
	})

	t.Run("memory copy is bounded", func(t *testing.T) {
		m := NewMultiLevel(nil, nil, nil)
		for i := 0; i < memoryCap+10; i++ {
			row := &Row{ParamsHash: fmt.Sprintf("h%d", i), FetchedAt: time.Now()}
			require.NoError(t, m.Put(ctx, row))
		}
		assert.Equal(t, memoryCap, m.lru.Len())
		// Oldest entries were evicted, newest survive.
		assert.Nil(t, m.Get(ctx, "h0"))
		assert.NotNil(t, m.Get(ctx, fmt.Sprintf("h%d", memoryCap+9)))
	})
}

// GetAny is the salvage read taken after a total live-fetch failure: it
// returns whatever exists regardless of age, where Get would refuse.
func TestMultiLevelGetAny(t *testing.T) {
	ctx := context.Background()

	t.Run("expired entry refused by Get still salvages", func(t *testing.T) {
		m := NewMultiLevel(nil, nil, nil)
		row := &Row{ParamsHash: "relic", FetchedAt: time.Now().Add(-48 * time.Hour)}
		require.NoError(t, m.Put(ctx, row))

		assert.Nil(t, m.Get(ctx, "relic"))

		lookup := m.GetAny(ctx, "relic")
		require.NotNil(t, lookup)
		assert.Equal(t, StatusExpired, lookup.Status)
		assert.Equal(t, "memory", lookup.Tier)
	})

	t.Run("fresh entry keeps its age class", func(t *testing.T) {
		m := NewMultiLevel(nil, nil, nil)
		row := &Row{ParamsHash: "new", FetchedAt: time.Now()}
		require.NoError(t, m.Put(ctx, row))

		lookup := m.GetAny(ctx, "new")
		require.NotNil(t, lookup)
		assert.Equal(t, StatusFresh, lookup.Status)
	})

	t.Run("nothing cached returns nil", func(t *testing.T) {
		m := NewMultiLevel(nil, nil, nil)
		assert.Nil(t, m.GetAny(ctx, "void"))
	})

	t.Run("salvage does not bump the access count", func(t *testing.T) {
		m := NewMultiLevel(nil, nil, nil)
		row := &Row{ParamsHash: "quiet", FetchedAt: time.Now(), AccessCount: 3}
		require.NoError(t, m.Put(ctx, row))

		_ = m.GetAny(ctx, "quiet")
		assert.Equal(t, 3, row.AccessCount)
	})
}

func TestMultiLevelHealthWithoutTiers(t *testing.T) {
	m := NewMultiLevel(nil, nil, nil)
	statuses, degraded, avgStreak := m.Health(context.Background())
	assert.Empty(t, statuses)
	assert.Zero(t, degraded)
	assert.Zero(t, avgStreak)
}
