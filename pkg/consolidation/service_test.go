package consolidation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/licitahub/radar/pkg/models"
	"github.com/licitahub/radar/pkg/sources"
)

type fakeAdapter struct {
	meta    models.SourceMetadata
	status  models.SourceStatus
	records []models.UnifiedProcurement
	err     error
	// failUF aborts the stream for single-UF calls targeting that UF.
	failUF map[string]error
}

func newFakeAdapter(code string, priority int, records ...models.UnifiedProcurement) *fakeAdapter {
	return &fakeAdapter{
		meta: models.SourceMetadata{
			Name:             code,
			Code:             code,
			BaseURL:          "https://" + code + ".example",
			Priority:         priority,
			DefaultTimeoutMS: 5000,
			Capabilities:     []models.SourceCapability{models.CapUFFilter},
		},
		status:  models.SourceAvailable,
		records: records,
	}
}

func (f *fakeAdapter) Metadata() models.SourceMetadata { return f.meta }

func (f *fakeAdapter) HealthCheck(context.Context) models.SourceStatus { return f.status }

func (f *fakeAdapter) Fetch(ctx context.Context, filter sources.FetchFilter) (<-chan sources.FetchResult, *sources.StreamInfo) {
	out := make(chan sources.FetchResult, len(f.records)+1)
	info := &sources.StreamInfo{PagesFetched: 1}
	go func() {
		defer close(out)
		if len(filter.UFs) == 1 {
			if err, ok := f.failUF[filter.UFs[0]]; ok {
				out <- sources.FetchResult{Err: err}
				return
			}
		}
		for _, r := range f.records {
			if !ufMatches(r.UF, filter.UFs) {
				continue
			}
			select {
			case out <- sources.FetchResult{Record: r}:
			case <-ctx.Done():
				return
			}
		}
		if f.err != nil {
			out <- sources.FetchResult{Err: f.err}
		}
	}()
	return out, info
}

func (f *fakeAdapter) Close() error { return nil }

func ufMatches(uf string, ufs []string) bool {
	if len(ufs) == 0 {
		return true
	}
	for _, u := range ufs {
		if u == uf {
			return true
		}
	}
	return false
}

func rec(dedupKey, uf, objeto string, published time.Time) models.UnifiedProcurement {
	return models.UnifiedProcurement{
		SourceID:       dedupKey,
		DedupKey:       dedupKey,
		UF:             uf,
		Objeto:         objeto,
		DataPublicacao: published,
	}
}

func TestVerifyAdapter(t *testing.T) {
	assert.Error(t, VerifyAdapter(nil))
	assert.Error(t, VerifyAdapter(&fakeAdapter{}))
	assert.Error(t, VerifyAdapter(&fakeAdapter{meta: models.SourceMetadata{Code: "x"}}))
	assert.NoError(t, VerifyAdapter(newFakeAdapter("pncp", 1)))
}

func TestNewServiceRejectsBrokenAdapters(t *testing.T) {
	_, err := NewService([]sources.Adapter{&fakeAdapter{}}, nil, nil)
	assert.Error(t, err)

	_, err = NewService([]sources.Adapter{newFakeAdapter("pncp", 1)}, &fakeAdapter{}, nil)
	assert.Error(t, err)
}

func TestPlanUnits(t *testing.T) {
	capable := newFakeAdapter("pncp", 1)
	plain := newFakeAdapter("licitanet", 9)
	plain.meta.Capabilities = nil

	units := planUnits([]sources.Adapter{capable, plain}, sources.FetchFilter{UFs: []string{"SP", "RJ"}})
	require.Len(t, units, 3)
	assert.Equal(t, []string{"SP"}, units[0].filter.UFs)
	assert.Equal(t, []string{"RJ"}, units[1].filter.UFs)
	assert.Equal(t, []string{"SP", "RJ"}, units[2].filter.UFs)

	// Single UF needs no splitting.
	units = planUnits([]sources.Adapter{capable}, sources.FetchFilter{UFs: []string{"SP"}})
	require.Len(t, units, 1)
	assert.Equal(t, []string{"SP"}, units[0].filter.UFs)
}

func TestServiceFetch(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("merges streams from all sources", func(t *testing.T) {
		a := newFakeAdapter("pncp", 1, rec("k1", "SP", "uniforme", day), rec("k2", "RJ", "camiseta", day))
		b := newFakeAdapter("comprasgov", 2, rec("k3", "SP", "tecido", day))
		svc, err := NewService([]sources.Adapter{a, b}, nil, nil)
		require.NoError(t, err)

		res, err := svc.Fetch(ctx, sources.FetchFilter{UFs: []string{"SP", "RJ"}})
		require.NoError(t, err)
		assert.Len(t, res.Records, 3)
		assert.ElementsMatch(t, []string{"SP", "RJ"}, res.SucceededUFs)
		assert.Empty(t, res.FailedUFs)
		assert.False(t, res.IsPartial)
		assert.Len(t, res.SourceResults, 2)
	})

	t.Run("dedup keeps the higher-priority source", func(t *testing.T) {
		winner := rec("dup", "SP", "objeto da fonte prioritaria", day)
		loser := rec("dup", "SP", "objeto da fonte secundaria", day)
		loser.Municipio = "Campinas" // only the secondary knows the city

		a := newFakeAdapter("pncp", 1, winner)
		b := newFakeAdapter("comprasgov", 2, loser)
		svc, err := NewService([]sources.Adapter{a, b}, nil, nil)
		require.NoError(t, err)

		res, err := svc.Fetch(ctx, sources.FetchFilter{UFs: []string{"SP"}})
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		assert.Equal(t, "objeto da fonte prioritaria", res.Records[0].Objeto)
		// Non-empty fields from the discarded record are merged in.
		assert.Equal(t, "Campinas", res.Records[0].Municipio)
	})

	t.Run("equal priority prefers the later publication", func(t *testing.T) {
		older := rec("dup", "SP", "antigo", day)
		newer := rec("dup", "SP", "recente", day.AddDate(0, 0, 3))

		a := newFakeAdapter("pncp", 1, older)
		b := newFakeAdapter("comprasgov", 1, newer)
		svc, err := NewService([]sources.Adapter{a, b}, nil, nil)
		require.NoError(t, err)

		res, err := svc.Fetch(ctx, sources.FetchFilter{UFs: []string{"SP"}})
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		assert.Equal(t, "recente", res.Records[0].Objeto)
	})

	t.Run("unavailable source is skipped and reported", func(t *testing.T) {
		dead := newFakeAdapter("comprasgov", 2)
		dead.status = models.SourceUnavailable
		a := newFakeAdapter("pncp", 1, rec("k1", "SP", "uniforme", day))
		svc, err := NewService([]sources.Adapter{a, dead}, nil, nil)
		require.NoError(t, err)

		res, err := svc.Fetch(ctx, sources.FetchFilter{UFs: []string{"SP"}})
		require.NoError(t, err)
		assert.Len(t, res.Records, 1)

		var statuses []string
		for _, sr := range res.SourceResults {
			statuses = append(statuses, sr.Status)
		}
		assert.Contains(t, statuses, "failed")
	})

	t.Run("mid-stream failure keeps partial records as degraded", func(t *testing.T) {
		a := newFakeAdapter("pncp", 1, rec("k1", "SP", "uniforme", day))
		a.err = errors.New("upstream reset")
		svc, err := NewService([]sources.Adapter{a}, nil, nil)
		require.NoError(t, err)

		res, err := svc.Fetch(ctx, sources.FetchFilter{UFs: []string{"SP"}})
		require.NoError(t, err)
		assert.Len(t, res.Records, 1)
		assert.True(t, res.IsPartial)
		require.Len(t, res.SourceResults, 1)
		assert.Equal(t, "degraded", res.SourceResults[0].Status)
	})

	t.Run("fallback invoked only when every primary fails", func(t *testing.T) {
		broken := newFakeAdapter("pncp", 1)
		broken.err = errors.New("down")
		fallback := newFakeAdapter("licitanet", 9, rec("k9", "SP", "resgate", day))

		svc, err := NewService([]sources.Adapter{broken}, fallback, nil)
		require.NoError(t, err)

		res, err := svc.Fetch(ctx, sources.FetchFilter{UFs: []string{"SP"}})
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		assert.Equal(t, "resgate", res.Records[0].Objeto)
	})

	t.Run("fallback stays idle when a primary succeeds", func(t *testing.T) {
		a := newFakeAdapter("pncp", 1, rec("k1", "SP", "uniforme", day))
		fallback := newFakeAdapter("licitanet", 9, rec("k9", "SP", "resgate", day))

		svc, err := NewService([]sources.Adapter{a}, fallback, nil)
		require.NoError(t, err)

		res, err := svc.Fetch(ctx, sources.FetchFilter{UFs: []string{"SP"}})
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		assert.Equal(t, "uniforme", res.Records[0].Objeto)
	})

	t.Run("fallback stays idle on a clean empty fetch", func(t *testing.T) {
		a := newFakeAdapter("pncp", 1) // no notices in range, no error
		fallback := newFakeAdapter("licitanet", 9, rec("k9", "SP", "resgate", day))

		svc, err := NewService([]sources.Adapter{a}, fallback, nil)
		require.NoError(t, err)

		res, err := svc.Fetch(ctx, sources.FetchFilter{UFs: []string{"SP"}})
		require.NoError(t, err)
		assert.Empty(t, res.Records)
		assert.Equal(t, []string{"SP"}, res.SucceededUFs)
		assert.Empty(t, res.FailedUFs)
		assert.False(t, res.IsPartial)
	})

	t.Run("zero notices still counts the UF as served", func(t *testing.T) {
		a := newFakeAdapter("pncp", 1, rec("k1", "SP", "uniforme", day))
		svc, err := NewService([]sources.Adapter{a}, nil, nil)
		require.NoError(t, err)

		res, err := svc.Fetch(ctx, sources.FetchFilter{UFs: []string{"SP", "AC"}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"SP", "AC"}, res.SucceededUFs)
		assert.Empty(t, res.FailedUFs)
		assert.False(t, res.IsPartial)
	})

	t.Run("one state failing leaves the others intact", func(t *testing.T) {
		a := newFakeAdapter("pncp", 1, rec("k1", "SP", "uniforme", day))
		a.failUF = map[string]error{"RJ": errors.New("read timeout")}
		svc, err := NewService([]sources.Adapter{a}, nil, nil)
		require.NoError(t, err)

		res, err := svc.Fetch(ctx, sources.FetchFilter{UFs: []string{"SP", "RJ"}})
		require.NoError(t, err)
		assert.Len(t, res.Records, 1)
		assert.Equal(t, []string{"SP"}, res.SucceededUFs)
		assert.Equal(t, []string{"RJ"}, res.FailedUFs)
		assert.True(t, res.IsPartial)
		require.Len(t, res.SourceResults, 1)
		assert.Equal(t, "degraded", res.SourceResults[0].Status)
	})

	t.Run("second source rescues a state the first lost", func(t *testing.T) {
		a := newFakeAdapter("pncp", 1, rec("k1", "SP", "uniforme", day))
		a.failUF = map[string]error{"RJ": errors.New("read timeout")}
		b := newFakeAdapter("comprasgov", 2, rec("k2", "RJ", "camiseta", day))
		svc, err := NewService([]sources.Adapter{a, b}, nil, nil)
		require.NoError(t, err)

		res, err := svc.Fetch(ctx, sources.FetchFilter{UFs: []string{"SP", "RJ"}})
		require.NoError(t, err)
		assert.Len(t, res.Records, 2)
		assert.ElementsMatch(t, []string{"SP", "RJ"}, res.SucceededUFs)
		assert.Empty(t, res.FailedUFs)
		// The first source still reports its partial failure.
		assert.True(t, res.IsPartial)
	})
}
