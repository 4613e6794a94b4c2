package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/licitahub/radar/pkg/models"
)

type stubFetcher struct {
	items map[string][]models.ProcurementItem
	err   error
	calls int
}

func (s *stubFetcher) FetchItems(_ context.Context, sourceID string) ([]models.ProcurementItem, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.items[sourceID], nil
}

func TestItemInspector(t *testing.T) {
	ctx := context.Background()
	keywords := []string{"uniforme", "camiseta"}

	t.Run("disabled without fetcher", func(t *testing.T) {
		assert.False(t, NewItemInspector(nil).Enabled())
		var nilInspector *ItemInspector
		assert.False(t, nilInspector.Enabled())
	})

	t.Run("majority of matching items accepts", func(t *testing.T) {
		ii := NewItemInspector(&stubFetcher{items: map[string][]models.ProcurementItem{
			"id-1": {
				{Descricao: "camiseta manga curta"},
				{Descricao: "uniforme operacional"},
				{Descricao: "caneta esferografica"},
			},
		}})
		accept, inspected := ii.Inspect(ctx, &models.UnifiedProcurement{SourceID: "id-1"}, keywords)
		assert.True(t, inspected)
		assert.True(t, accept)
	})

	t.Run("minority of matching items rejects", func(t *testing.T) {
		ii := NewItemInspector(&stubFetcher{items: map[string][]models.ProcurementItem{
			"id-1": {
				{Descricao: "camiseta"},
				{Descricao: "caneta"},
				{Descricao: "papel sulfite"},
			},
		}})
		accept, inspected := ii.Inspect(ctx, &models.UnifiedProcurement{SourceID: "id-1"}, keywords)
		assert.True(t, inspected)
		assert.False(t, accept)
	})

	t.Run("exact half is not a majority", func(t *testing.T) {
		ii := NewItemInspector(&stubFetcher{items: map[string][]models.ProcurementItem{
			"id-1": {
				{Descricao: "camiseta"},
				{Descricao: "caneta"},
			},
		}})
		accept, _ := ii.Inspect(ctx, &models.UnifiedProcurement{SourceID: "id-1"}, keywords)
		assert.False(t, accept)
	})

	t.Run("clothing size unit counts as match", func(t *testing.T) {
		ii := NewItemInspector(&stubFetcher{items: map[string][]models.ProcurementItem{
			"id-1": {{Descricao: "blusa gola redonda", UnidadeMedida: "GG"}},
		}})
		accept, inspected := ii.Inspect(ctx, &models.UnifiedProcurement{SourceID: "id-1"}, keywords)
		assert.True(t, inspected)
		assert.True(t, accept)
	})

	t.Run("textile NCM chapter counts as match", func(t *testing.T) {
		ii := NewItemInspector(&stubFetcher{items: map[string][]models.ProcurementItem{
			"id-1": {{Descricao: "artigo confeccionado", NCM: "63090010"}},
		}})
		accept, _ := ii.Inspect(ctx, &models.UnifiedProcurement{SourceID: "id-1"}, keywords)
		assert.True(t, accept)
	})

	t.Run("fetch failure falls through", func(t *testing.T) {
		ii := NewItemInspector(&stubFetcher{err: errors.New("upstream down")})
		_, inspected := ii.Inspect(ctx, &models.UnifiedProcurement{SourceID: "id-1"}, keywords)
		assert.False(t, inspected)
	})

	t.Run("no items falls through", func(t *testing.T) {
		ii := NewItemInspector(&stubFetcher{})
		_, inspected := ii.Inspect(ctx, &models.UnifiedProcurement{SourceID: "id-1"}, keywords)
		assert.False(t, inspected)
	})

	t.Run("inline record items skip the fetch", func(t *testing.T) {
		fetcher := &stubFetcher{}
		ii := NewItemInspector(fetcher)
		rec := &models.UnifiedProcurement{
			SourceID: "id-1",
			Items:    []models.ProcurementItem{{Descricao: "uniforme"}},
		}
		accept, inspected := ii.Inspect(ctx, rec, keywords)
		assert.True(t, inspected)
		assert.True(t, accept)
		assert.Zero(t, fetcher.calls)
	})

	t.Run("fetched items are memoized", func(t *testing.T) {
		fetcher := &stubFetcher{items: map[string][]models.ProcurementItem{
			"id-1": {{Descricao: "uniforme"}},
		}}
		ii := NewItemInspector(fetcher)
		rec := &models.UnifiedProcurement{SourceID: "id-1"}
		ii.Inspect(ctx, rec, keywords)
		ii.Inspect(ctx, rec, keywords)
		assert.Equal(t, 1, fetcher.calls)
	})
}
