package filter

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/licitahub/radar/pkg/models"
)

// ItemFetcher retrieves line items for a notice from its source. Implemented
// by adapters that advertise CapItemDetail.
type ItemFetcher interface {
	FetchItems(ctx context.Context, sourceID string) ([]models.ProcurementItem, error)
}

const (
	itemCacheTTL     = 24 * time.Hour
	itemCacheCap     = 500
	itemFetchTimeout = 8 * time.Second
)

type itemCacheEntry struct {
	sourceID string
	items    []models.ProcurementItem
	fetched  time.Time
}

// ItemInspector refines gray-zone bids by fetching line items and applying
// a majority rule: accept when more than half the items match sector
// keywords. Fetches are bounded by a per-search budget and memoized in a
// TTL'd LRU.
type ItemInspector struct {
	fetcher ItemFetcher

	mu    sync.Mutex
	cache map[string]*list.Element
	lru   *list.List
}

// NewItemInspector creates the inspector. fetcher may be nil (stage
// disabled).
func NewItemInspector(fetcher ItemFetcher) *ItemInspector {
	return &ItemInspector{
		fetcher: fetcher,
		cache:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Enabled reports whether item inspection can run.
func (ii *ItemInspector) Enabled() bool { return ii != nil && ii.fetcher != nil }

// Inspect fetches (or recalls) the bid's items and applies the majority
// rule against keywords. NCM codes and clothing-size units boost matches.
// Returns (accept, inspected): inspected is false when items could not be
// retrieved, in which case the caller falls through to the next stage.
func (ii *ItemInspector) Inspect(ctx context.Context, rec *models.UnifiedProcurement, keywords []string) (accept, inspected bool) {
	items := rec.Items
	if len(items) == 0 {
		var ok bool
		items, ok = ii.fetch(ctx, rec.SourceID)
		if !ok {
			return false, false
		}
	}
	if len(items) == 0 {
		return false, false
	}

	matched := 0
	for _, item := range items {
		if itemMatches(item, keywords) {
			matched++
		}
	}
	return matched*2 > len(items), true
}

func (ii *ItemInspector) fetch(ctx context.Context, sourceID string) ([]models.ProcurementItem, bool) {
	if cached, ok := ii.recall(sourceID); ok {
		return cached, true
	}
	if ii.fetcher == nil {
		return nil, false
	}

	fctx, cancel := context.WithTimeout(ctx, itemFetchTimeout)
	defer cancel()
	items, err := ii.fetcher.FetchItems(fctx, sourceID)
	if err != nil {
		slog.Warn("Item fetch failed during inspection", "source_id", sourceID, "error", err)
		return nil, false
	}
	ii.remember(sourceID, items)
	return items, true
}

func (ii *ItemInspector) recall(sourceID string) ([]models.ProcurementItem, bool) {
	ii.mu.Lock()
	defer ii.mu.Unlock()
	el, ok := ii.cache[sourceID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*itemCacheEntry)
	if time.Since(entry.fetched) > itemCacheTTL {
		ii.lru.Remove(el)
		delete(ii.cache, sourceID)
		return nil, false
	}
	ii.lru.MoveToFront(el)
	return entry.items, true
}

func (ii *ItemInspector) remember(sourceID string, items []models.ProcurementItem) {
	ii.mu.Lock()
	defer ii.mu.Unlock()
	ii.cache[sourceID] = ii.lru.PushFront(&itemCacheEntry{
		sourceID: sourceID,
		items:    items,
		fetched:  time.Now(),
	})
	for ii.lru.Len() > itemCacheCap {
		oldest := ii.lru.Back()
		ii.lru.Remove(oldest)
		delete(ii.cache, oldest.Value.(*itemCacheEntry).sourceID)
	}
}

// itemMatches checks one line item against sector keywords with domain
// signals: clothing-size units and textile NCM chapters count as matches.
func itemMatches(item models.ProcurementItem, keywords []string) bool {
	desc := NormalizeText(item.Descricao)
	for _, kw := range keywords {
		if containsWord(desc, kw) {
			return true
		}
	}
	unit := NormalizeText(item.UnidadeMedida)
	switch unit {
	case "p", "m", "g", "gg", "xg", "tam", "tamanho":
		return true
	}
	// NCM chapters 61/62/63 cover apparel and made-up textiles.
	if len(item.NCM) >= 2 {
		switch item.NCM[:2] {
		case "61", "62", "63":
			return true
		}
	}
	return false
}
