package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/licitahub/radar/pkg/cache"
	"github.com/licitahub/radar/pkg/models"
	testdb "github.com/licitahub/radar/test/database"
)

func testRow(hash string) *cache.Row {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &cache.Row{
		ParamsHash: hash,
		UserID:     "u1",
		Results: []models.UnifiedProcurement{
			{SourceID: "p1", Objeto: "Aquisição de uniformes", UF: "SP", ValorEstimado: 100_000},
		},
		SearchParams:   models.SearchParams{SetorID: "vestuario", UFs: []string{"SP"}},
		FetchedAt:      now,
		LastSuccessAt:  now,
		LastAttemptAt:  now,
		Priority:       cache.PriorityCold,
		LastAccessedAt: now,
	}
}

func TestPostgresTierRoundTrip(t *testing.T) {
	ctx := context.Background()
	tier := cache.NewPostgresTier(testdb.NewTestPool(t))

	require.NoError(t, tier.Put(ctx, testRow("hash-a")))

	got, err := tier.Get(ctx, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, "hash-a", got.ParamsHash)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "p1", got.Results[0].SourceID)
	assert.Equal(t, "vestuario", got.SearchParams.SetorID)

	_, err = tier.Get(ctx, "absent")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestPostgresTierUpsert(t *testing.T) {
	ctx := context.Background()
	tier := cache.NewPostgresTier(testdb.NewTestPool(t))

	row := testRow("hash-b")
	require.NoError(t, tier.Put(ctx, row))

	row.Results = append(row.Results, models.UnifiedProcurement{SourceID: "p2", UF: "SP"})
	row.Priority = cache.PriorityHot
	require.NoError(t, tier.Put(ctx, row))

	got, err := tier.Get(ctx, "hash-b")
	require.NoError(t, err)
	assert.Len(t, got.Results, 2)
	assert.Equal(t, cache.PriorityHot, got.Priority)
}

func TestPostgresTierTouch(t *testing.T) {
	ctx := context.Background()
	tier := cache.NewPostgresTier(testdb.NewTestPool(t))

	require.NoError(t, tier.Put(ctx, testRow("hash-c")))
	require.NoError(t, tier.Touch(ctx, "hash-c"))
	require.NoError(t, tier.Touch(ctx, "hash-c"))

	got, err := tier.Get(ctx, "hash-c")
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
}

func TestPostgresTierFailureBookkeeping(t *testing.T) {
	ctx := context.Background()
	tier := cache.NewPostgresTier(testdb.NewTestPool(t))

	require.NoError(t, tier.Put(ctx, testRow("hash-d")))

	require.NoError(t, tier.RecordFailure(ctx, "hash-d"))
	require.NoError(t, tier.RecordFailure(ctx, "hash-d"))

	got, err := tier.Get(ctx, "hash-d")
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailStreak)
	require.NotNil(t, got.DegradedUntil)
	assert.True(t, got.DegradedUntil.After(time.Now()))

	degraded, avg, err := tier.HealthStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, degraded)
	assert.Greater(t, avg, 0.0)

	require.NoError(t, tier.RecordSuccess(ctx, "hash-d"))
	got, err = tier.Get(ctx, "hash-d")
	require.NoError(t, err)
	assert.Zero(t, got.FailStreak)
	assert.Nil(t, got.DegradedUntil)

	assert.ErrorIs(t, tier.RecordFailure(ctx, "absent"), cache.ErrMiss)
}

func TestPostgresTierValidateSchema(t *testing.T) {
	tier := cache.NewPostgresTier(testdb.NewTestPool(t))
	assert.NoError(t, tier.ValidateSchema(context.Background()))
}
