package sources

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateFormatMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown source has no accepted format", func(t *testing.T) {
		m := NewDateFormatMemory(nil)
		assert.Empty(t, m.Accepted(ctx, "pncp"))
	})

	t.Run("remember persists locally without redis", func(t *testing.T) {
		m := NewDateFormatMemory(nil)
		m.Remember(ctx, "pncp", FormatBR)
		assert.Equal(t, FormatBR, m.Accepted(ctx, "pncp"))
	})

	t.Run("remember persists in redis with ttl", func(t *testing.T) {
		srv := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		defer rdb.Close()

		m := NewDateFormatMemory(rdb)
		m.Remember(ctx, "pncp", FormatISO)

		assert.Equal(t, FormatISO, m.Accepted(ctx, "pncp"))
		assert.Equal(t, 24*time.Hour, srv.TTL("datefmt:pncp"))

		// A second instance sees the shared state.
		other := NewDateFormatMemory(rdb)
		assert.Equal(t, FormatISO, other.Accepted(ctx, "pncp"))
	})

	t.Run("candidates put accepted format first", func(t *testing.T) {
		m := NewDateFormatMemory(nil)
		m.Remember(ctx, "pncp", FormatBR)
		assert.Equal(t, []string{FormatBR, FormatISO}, m.Candidates(ctx, "pncp", FormatISO))

		m.Remember(ctx, "pncp", FormatISO)
		assert.Equal(t, []string{FormatISO, FormatBR}, m.Candidates(ctx, "pncp", FormatBR))
	})

	t.Run("candidates fall back to the preferred format", func(t *testing.T) {
		m := NewDateFormatMemory(nil)
		assert.Equal(t, []string{FormatBR, FormatISO}, m.Candidates(ctx, "novo", FormatBR))
		assert.Equal(t, []string{FormatISO, FormatBR}, m.Candidates(ctx, "novo", FormatISO))
	})
}

func TestParseFlexible(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		ok       bool
		expected time.Time
	}{
		{"iso", "2026-03-10", true, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)},
		{"brazilian", "10/03/2026", true, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)},
		{"rfc3339", "2026-03-10T14:30:00Z", true, time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)},
		{"iso with time", "2026-03-10T14:30:00", true, time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)},
		{"garbage", "amanhã", false, time.Time{}},
		{"empty", "", false, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseFlexible(tt.value)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.True(t, tt.expected.Equal(got), "got %s", got)
			}
		})
	}
}
