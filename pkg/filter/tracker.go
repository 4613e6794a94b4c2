package filter

import (
	"log/slog"
	"sync"
	"time"
)

// Rejection reason codes. Each maps to one counter in the histogram.
const (
	ReasonUF        = "uf_mismatch"
	ReasonStatus    = "status_mismatch"
	ReasonModality  = "modality_mismatch"
	ReasonValue     = "value_out_of_range"
	ReasonExclusion = "exclusion_hit"
	ReasonKeyword   = "no_keyword_match"
	ReasonCoOccur   = "co_occurrence_rule"
	ReasonDensity   = "density_below_floor"
	ReasonArbiter   = "arbiter_rejected"
	ReasonMinMatch  = "min_match_floor"
	ReasonPrazo     = "deadline_passed"
	ReasonItems     = "item_inspection"
)

// RejectionRecord is one retained rejection for the admin inspector.
type RejectionRecord struct {
	Reason    string    `json:"reason"`
	Sector    string    `json:"sector"`
	Objeto    string    `json:"objeto"`
	SourceID  string    `json:"source_id"`
	Timestamp time.Time `json:"timestamp"`
}

const trackerCap = 200

// RejectionTracker keeps a bounded ring of recent rejections and mirrors
// each one onto the structured log stream for observability.
type RejectionTracker struct {
	mu   sync.Mutex
	ring []RejectionRecord
	next int
	full bool
}

// NewRejectionTracker creates the tracker.
func NewRejectionTracker() *RejectionTracker {
	return &RejectionTracker{ring: make([]RejectionRecord, trackerCap)}
}

// Record stores one rejection and emits the observability log line.
func (t *RejectionTracker) Record(reason, sector, objeto, sourceID string) {
	slog.Debug("Bid rejected",
		"event_type", "filter_rejection",
		"reason_code", reason,
		"sector", sector,
		"source_id", sourceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = RejectionRecord{
		Reason:    reason,
		Sector:    sector,
		Objeto:    truncate(objeto, 160),
		SourceID:  sourceID,
		Timestamp: time.Now(),
	}
	t.next = (t.next + 1) % trackerCap
	if t.next == 0 {
		t.full = true
	}
}

// Recent returns retained rejections, newest first.
func (t *RejectionTracker) Recent(limit int) []RejectionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.next
	if t.full {
		size = trackerCap
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]RejectionRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (t.next - 1 - i + trackerCap) % trackerCap
		out = append(out, t.ring[idx])
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
