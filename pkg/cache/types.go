// Package cache implements the three-tier result cache: Postgres (durable),
// Redis (shared), local files (per-host), with stale-while-revalidate
// semantics and per-entry health metadata.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/licitahub/radar/pkg/models"
)

// Status classifies a cache entry by age.
type Status string

// Age classes.
const (
	StatusFresh   Status = "fresh"
	StatusStale   Status = "stale"
	StatusExpired Status = "expired"
)

// Age thresholds.
const (
	FreshWindow = 6 * time.Hour
	StaleWindow = 24 * time.Hour
)

// Priority classifies an entry by access pattern. Hot entries get longer
// Redis TTLs and are never evicted from the local tier first.
type Priority string

// Access classes.
const (
	PriorityHot  Priority = "hot"
	PriorityWarm Priority = "warm"
	PriorityCold Priority = "cold"
)

// Access-count thresholds for priority classification.
const (
	hotAccessThreshold  = 10
	warmAccessThreshold = 3
)

// Row is the persisted cache entry. The column set is a contract: the store
// validates the live schema against it at startup.
type Row struct {
	ParamsHash      string                      `json:"params_hash"`
	UserID          string                      `json:"user_id"`
	Results         []models.UnifiedProcurement `json:"results"`
	SearchParams    models.SearchParams         `json:"search_params"`
	Sources         []string                    `json:"sources_json"`
	FetchedAt       time.Time                   `json:"fetched_at"`
	LastSuccessAt   time.Time                   `json:"last_success_at"`
	LastAttemptAt   time.Time                   `json:"last_attempt_at"`
	FailStreak      int                         `json:"fail_streak"`
	DegradedUntil   *time.Time                  `json:"degraded_until,omitempty"`
	Coverage        map[string]any              `json:"coverage,omitempty"`
	FetchDurationMS int64                       `json:"fetch_duration_ms"`
	Priority        Priority                    `json:"priority"`
	AccessCount     int                         `json:"access_count"`
	LastAccessedAt  time.Time                   `json:"last_accessed_at"`
}

// StatusAt classifies the row by age at the given instant.
func (r *Row) StatusAt(now time.Time) Status {
	age := now.Sub(r.FetchedAt)
	switch {
	case age <= FreshWindow:
		return StatusFresh
	case age <= StaleWindow:
		return StatusStale
	default:
		return StatusExpired
	}
}

// Degraded reports whether the entry is inside its degradation window, in
// which case it is treated as authoritative and no live refresh is
// attempted.
func (r *Row) Degraded(now time.Time) bool {
	return r.DegradedUntil != nil && now.Before(*r.DegradedUntil)
}

// ClassifyPriority recomputes the priority from the access count.
func ClassifyPriority(accessCount int) Priority {
	switch {
	case accessCount >= hotAccessThreshold:
		return PriorityHot
	case accessCount >= warmAccessThreshold:
		return PriorityWarm
	default:
		return PriorityCold
	}
}

// Lookup is what the read cascade hands back to the pipeline.
type Lookup struct {
	Row    *Row
	Status Status
	Tier   string // postgres | redis | file
}

// hashParams is the canonical subset of SearchParams used for the cache key.
// The date range is not part of the key, so a degraded entry can serve
// across date mismatches.
type hashParams struct {
	SetorID     string   `json:"setor_id"`
	UFs         []string `json:"ufs"`
	Modalidades []int    `json:"modalidades,omitempty"`
	ModoBusca   string   `json:"modo_busca"`
}

// ParamsHash derives the cache key: SHA-256 over canonical JSON with sorted
// UFs and modalities. Stable under list reordering and setor_id whitespace.
func ParamsHash(p models.SearchParams) string {
	ufs := append([]string(nil), p.UFs...)
	sort.Strings(ufs)
	mods := append([]int(nil), p.Modalidades...)
	sort.Ints(mods)

	canonical := hashParams{
		SetorID:     strings.TrimSpace(p.SetorID),
		UFs:         ufs,
		Modalidades: mods,
		ModoBusca:   p.ModoBusca,
	}
	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Backoff for fail_streak health metadata: exponential, capped at 60min.
func degradationBackoff(failStreak int) time.Duration {
	d := time.Minute
	for i := 1; i < failStreak && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
