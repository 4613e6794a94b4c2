package filter

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectionTracker(t *testing.T) {
	t.Run("empty tracker", func(t *testing.T) {
		tr := NewRejectionTracker()
		assert.Empty(t, tr.Recent(10))
	})

	t.Run("newest first", func(t *testing.T) {
		tr := NewRejectionTracker()
		tr.Record(ReasonUF, "vestuario", "objeto a", "id-1")
		tr.Record(ReasonKeyword, "vestuario", "objeto b", "id-2")

		recent := tr.Recent(10)
		require.Len(t, recent, 2)
		assert.Equal(t, "id-2", recent[0].SourceID)
		assert.Equal(t, "id-1", recent[1].SourceID)
	})

	t.Run("limit respected", func(t *testing.T) {
		tr := NewRejectionTracker()
		for i := 0; i < 5; i++ {
			tr.Record(ReasonUF, "s", "o", fmt.Sprintf("id-%d", i))
		}
		assert.Len(t, tr.Recent(3), 3)
	})

	t.Run("ring wraps at capacity", func(t *testing.T) {
		tr := NewRejectionTracker()
		for i := 0; i < trackerCap+5; i++ {
			tr.Record(ReasonUF, "s", "o", fmt.Sprintf("id-%d", i))
		}
		recent := tr.Recent(0)
		require.Len(t, recent, trackerCap)
		assert.Equal(t, fmt.Sprintf("id-%d", trackerCap+4), recent[0].SourceID)
	})

	t.Run("objeto truncated", func(t *testing.T) {
		tr := NewRejectionTracker()
		tr.Record(ReasonUF, "s", strings.Repeat("x", 300), "id")
		assert.Len(t, tr.Recent(1)[0].Objeto, 160)
	})
}
