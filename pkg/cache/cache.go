package cache

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Tier is the uniform interface the cascade walks.
type Tier interface {
	Get(ctx context.Context, paramsHash string) (*Row, error)
	Put(ctx context.Context, row *Row) error
	Ping(ctx context.Context) error
}

// TierStatus is one tier's health for /health/cache.
type TierStatus struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

const memoryCap = 256

// MultiLevel walks Postgres → Redis → file, with a bounded in-process map
// as the absolute last resort when every tier is down.
type MultiLevel struct {
	postgres *PostgresTier
	redis    *RedisTier
	file     *FileTier

	mu     sync.Mutex
	memory map[string]*list.Element
	lru    *list.List // front = most recent; element value is *Row
}

// NewMultiLevel assembles the cascade. redis and file may be nil.
func NewMultiLevel(pg *PostgresTier, rd *RedisTier, file *FileTier) *MultiLevel {
	return &MultiLevel{
		postgres: pg,
		redis:    rd,
		file:     file,
		memory:   make(map[string]*list.Element),
		lru:      list.New(),
	}
}

func (m *MultiLevel) tiers() []struct {
	name string
	tier Tier
} {
	var out []struct {
		name string
		tier Tier
	}
	if m.postgres != nil {
		out = append(out, struct {
			name string
			tier Tier
		}{"postgres", m.postgres})
	}
	if m.redis != nil {
		out = append(out, struct {
			name string
			tier Tier
		}{"redis", m.redis})
	}
	if m.file != nil {
		out = append(out, struct {
			name string
			tier Tier
		}{"file", m.file})
	}
	return out
}

// Get walks the cascade. A non-expired hit is propagated upward into the
// tiers that missed (lazy fill) and returned with its age class. Tier
// failures are logged and skipped, never surfaced. Returns nil on a full
// miss.
func (m *MultiLevel) Get(ctx context.Context, paramsHash string) *Lookup {
	now := time.Now()
	var missed []Tier

	for _, t := range m.tiers() {
		row, err := t.tier.Get(ctx, paramsHash)
		if errors.Is(err, ErrMiss) {
			missed = append(missed, t.tier)
			continue
		}
		if err != nil {
			slog.Warn("Cache tier read failed, trying next tier",
				"tier", t.name, "error", err)
			missed = append(missed, t.tier)
			continue
		}

		status := row.StatusAt(now)
		if status == StatusExpired && !row.Degraded(now) {
			missed = append(missed, t.tier)
			continue
		}
		if status == StatusExpired {
			// Inside the degradation window the entry serves as
			// authoritative regardless of age.
			status = StatusStale
		}

		m.onHit(ctx, row, missed)
		m.rememberLocal(row)
		return &Lookup{Row: row, Status: status, Tier: t.name}
	}

	// All tiers missed or failed: last-resort process-local copy.
	if row := m.lookupLocal(paramsHash); row != nil {
		status := row.StatusAt(now)
		if status != StatusExpired || row.Degraded(now) {
			if status == StatusExpired {
				status = StatusStale
			}
			return &Lookup{Row: row, Status: status, Tier: "memory"}
		}
	}
	return nil
}

// GetAny returns the entry regardless of age, expired included. Used after
// a total live-fetch failure, when old data beats no data. No lazy fill and
// no access bump: this is a salvage read, not a hit.
func (m *MultiLevel) GetAny(ctx context.Context, paramsHash string) *Lookup {
	now := time.Now()
	for _, t := range m.tiers() {
		row, err := t.tier.Get(ctx, paramsHash)
		if errors.Is(err, ErrMiss) {
			continue
		}
		if err != nil {
			slog.Warn("Cache tier read failed, trying next tier",
				"tier", t.name, "error", err)
			continue
		}
		return &Lookup{Row: row, Status: row.StatusAt(now), Tier: t.name}
	}
	if row := m.lookupLocal(paramsHash); row != nil {
		return &Lookup{Row: row, Status: row.StatusAt(now), Tier: "memory"}
	}
	return nil
}

// onHit recomputes priority, bumps the access counter, and lazily fills the
// tiers above the hit.
func (m *MultiLevel) onHit(ctx context.Context, row *Row, missedAbove []Tier) {
	row.AccessCount++
	row.LastAccessedAt = time.Now()
	row.Priority = ClassifyPriority(row.AccessCount)

	if m.postgres != nil {
		if err := m.postgres.Touch(ctx, row.ParamsHash); err != nil {
			slog.Warn("Cache access-count update failed", "error", err)
		}
	}
	for _, t := range missedAbove {
		if err := t.Put(ctx, row); err != nil {
			slog.Warn("Cache lazy fill failed", "error", err)
		}
	}
}

// Put writes through all tiers best-effort: Postgres first (authoritative),
// then Redis, then file. Only a Postgres failure is returned; the others
// log warnings.
func (m *MultiLevel) Put(ctx context.Context, row *Row) error {
	row.Priority = ClassifyPriority(row.AccessCount)
	m.rememberLocal(row)

	var pgErr error
	if m.postgres != nil {
		pgErr = m.postgres.Put(ctx, row)
		if pgErr != nil {
			slog.Warn("Postgres cache write failed", "error", pgErr)
		}
	}
	if m.redis != nil {
		if err := m.redis.Put(ctx, row); err != nil {
			slog.Warn("Redis cache write failed", "error", err)
		}
	}
	if m.file != nil {
		if err := m.file.Put(ctx, row); err != nil {
			slog.Warn("File cache write failed", "error", err)
		}
	}
	return pgErr
}

// RecordFetchFailure updates health metadata after a live refresh attempt
// failed for an existing entry.
func (m *MultiLevel) RecordFetchFailure(ctx context.Context, paramsHash string) {
	if m.postgres == nil {
		return
	}
	if err := m.postgres.RecordFailure(ctx, paramsHash); err != nil && !errors.Is(err, ErrMiss) {
		slog.Warn("Recording cache fetch failure failed", "error", err)
	}
}

// RecordFetchSuccess clears health metadata after a successful refresh.
func (m *MultiLevel) RecordFetchSuccess(ctx context.Context, paramsHash string) {
	if m.postgres == nil {
		return
	}
	if err := m.postgres.RecordSuccess(ctx, paramsHash); err != nil {
		slog.Warn("Recording cache fetch success failed", "error", err)
	}
}

// Health reports per-tier status with latency plus aggregate degradation
// numbers.
func (m *MultiLevel) Health(ctx context.Context) ([]TierStatus, int, float64) {
	var statuses []TierStatus
	for _, t := range m.tiers() {
		start := time.Now()
		err := t.tier.Ping(ctx)
		st := TierStatus{
			Name:      t.name,
			Healthy:   err == nil,
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			st.Error = err.Error()
		}
		statuses = append(statuses, st)
	}

	var degraded int
	var avgStreak float64
	if m.postgres != nil {
		var err error
		degraded, avgStreak, err = m.postgres.HealthStats(ctx)
		if err != nil {
			slog.Warn("Cache health stats query failed", "error", err)
		}
	}
	return statuses, degraded, avgStreak
}

// --- bounded in-process LRU ---

func (m *MultiLevel) rememberLocal(row *Row) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.memory[row.ParamsHash]; ok {
		el.Value = row
		m.lru.MoveToFront(el)
		return
	}
	m.memory[row.ParamsHash] = m.lru.PushFront(row)
	for m.lru.Len() > memoryCap {
		oldest := m.lru.Back()
		m.lru.Remove(oldest)
		delete(m.memory, oldest.Value.(*Row).ParamsHash)
	}
}

func (m *MultiLevel) lookupLocal(paramsHash string) *Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.memory[paramsHash]; ok {
		m.lru.MoveToFront(el)
		return el.Value.(*Row)
	}
	return nil
}
