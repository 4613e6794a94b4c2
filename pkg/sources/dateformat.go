package sources

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Supported upstream date formats. The system speaks both and negotiates
// per source on first contact.
const (
	FormatISO = "2006-01-02"
	FormatBR  = "02/01/2006"
)

const dateFormatTTL = 24 * time.Hour

// DateFormatMemory remembers which date format each source accepted so that
// subsequent fetches skip the format-negotiation retry. Redis-backed with an
// in-process fallback when Redis is unreachable.
type DateFormatMemory struct {
	rdb *redis.Client

	mu    sync.Mutex
	local map[string]string
}

// NewDateFormatMemory creates the memory. rdb may be nil (local-only mode).
func NewDateFormatMemory(rdb *redis.Client) *DateFormatMemory {
	return &DateFormatMemory{rdb: rdb, local: make(map[string]string)}
}

func dateFormatKey(source string) string { return "datefmt:" + source }

// Accepted returns the cached accepted format for source, or "" when the
// format is still unknown.
func (m *DateFormatMemory) Accepted(ctx context.Context, source string) string {
	if m.rdb != nil {
		if v, err := m.rdb.Get(ctx, dateFormatKey(source)).Result(); err == nil {
			return v
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local[source]
}

// Remember caches the format a source accepted for 24h.
func (m *DateFormatMemory) Remember(ctx context.Context, source, format string) {
	m.mu.Lock()
	m.local[source] = format
	m.mu.Unlock()
	if m.rdb == nil {
		return
	}
	if err := m.rdb.Set(ctx, dateFormatKey(source), format, dateFormatTTL).Err(); err != nil {
		slog.Warn("Failed to persist accepted date format", "source", source, "error", err)
	}
}

// Candidates returns the formats to try, accepted one first.
func (m *DateFormatMemory) Candidates(ctx context.Context, source, preferred string) []string {
	if accepted := m.Accepted(ctx, source); accepted != "" {
		if accepted == FormatISO {
			return []string{FormatISO, FormatBR}
		}
		return []string{FormatBR, FormatISO}
	}
	if preferred == FormatBR {
		return []string{FormatBR, FormatISO}
	}
	return []string{FormatISO, FormatBR}
}

// ParseFlexible parses a date string in either supported format.
func ParseFlexible(value string) (time.Time, bool) {
	for _, layout := range []string{FormatISO, FormatBR, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
