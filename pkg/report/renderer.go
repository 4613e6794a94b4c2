package report

import (
	"context"
	"fmt"

	"github.com/licitahub/radar/pkg/models"
)

// Renderer builds the workbook for one search and publishes it to the
// object store under the canonical per-search key.
type Renderer struct {
	store ObjectStore
}

// NewRenderer wraps the store.
func NewRenderer(store ObjectStore) *Renderer { return &Renderer{store: store} }

// Key is the stored object name for one search's workbook.
func Key(searchID string) string {
	return fmt.Sprintf("licitacoes-%s.xlsx", searchID)
}

// Render builds and stores the workbook, returning its download URL.
func (r *Renderer) Render(ctx context.Context, searchID, sectorName string, opps []models.Opportunity) (string, error) {
	data, err := BuildWorkbook(sectorName, opps)
	if err != nil {
		return "", fmt.Errorf("building workbook: %w", err)
	}
	url, err := r.store.Put(ctx, Key(searchID), data)
	if err != nil {
		return "", fmt.Errorf("storing workbook: %w", err)
	}
	return url, nil
}
