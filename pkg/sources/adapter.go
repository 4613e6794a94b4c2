// Package sources contains the per-portal adapters that paginate, normalize,
// and stream procurement notices as UnifiedProcurement records.
package sources

import (
	"context"
	"time"

	"github.com/licitahub/radar/pkg/models"
)

// FetchFilter carries the upstream query parameters common to all portals.
// Adapters apply each filter server-side when the portal supports it and
// client-side otherwise.
type FetchFilter struct {
	DataInicial time.Time
	DataFinal   time.Time
	UFs         []string
	Modalidades []int
	// Extra carries portal-specific knobs (e.g. situacao codes).
	Extra map[string]string
}

// FetchResult is one element of an adapter stream: either a record or a
// stream-terminating error.
type FetchResult struct {
	Record models.UnifiedProcurement
	Err    error
}

// StreamInfo is filled by the adapter as it drains pages.
type StreamInfo struct {
	// WasTruncated is set when the adapter stopped early at its page cap.
	WasTruncated bool
	PagesFetched int
}

// Adapter is the uniform contract every portal client implements.
// Construction-time conformance is verified by consolidation.VerifyAdapter.
type Adapter interface {
	// Metadata returns the static source descriptor.
	Metadata() models.SourceMetadata

	// HealthCheck probes the portal. It must return within 5s and never
	// panics; failures are reported as SourceUnavailable, not errors.
	HealthCheck(ctx context.Context) models.SourceStatus

	// Fetch streams normalized records. The adapter paginates internally,
	// rate-limits itself, and closes the channel when the range is drained,
	// the context is cancelled, or an unrecoverable error was emitted.
	// info is owned by the adapter and safe to read only after the channel
	// closes.
	Fetch(ctx context.Context, filter FetchFilter) (<-chan FetchResult, *StreamInfo)

	// Close releases HTTP connections.
	Close() error
}

// matchesClientSide applies UF and modality filters for portals that cannot
// filter server-side.
func matchesClientSide(rec *models.UnifiedProcurement, filter FetchFilter, meta models.SourceMetadata) bool {
	if len(filter.UFs) > 0 && !meta.HasCapability(models.CapUFFilter) {
		found := false
		for _, uf := range filter.UFs {
			if rec.UF == uf {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Modalidades) > 0 && !meta.HasCapability(models.CapModalityFilter) {
		found := false
		for _, m := range filter.Modalidades {
			if rec.ModalidadeCode == m {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
