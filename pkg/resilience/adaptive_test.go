package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdaptiveTimeout(t *testing.T) {
	min, max := 2*time.Second, 30*time.Second

	t.Run("max until enough samples", func(t *testing.T) {
		a := NewAdaptiveTimeout(min, max)
		assert.Equal(t, max, a.Effective())
		for i := 0; i < 4; i++ {
			a.Observe(100 * time.Millisecond)
		}
		assert.Equal(t, max, a.Effective())
	})

	t.Run("stable latencies clamp to min", func(t *testing.T) {
		a := NewAdaptiveTimeout(min, max)
		for i := 0; i < 20; i++ {
			a.Observe(100 * time.Millisecond)
		}
		assert.Equal(t, min, a.Effective())
	})

	t.Run("slow upstream raises the timeout", func(t *testing.T) {
		a := NewAdaptiveTimeout(min, max)
		for i := 0; i < 20; i++ {
			a.Observe(8 * time.Second)
		}
		eff := a.Effective()
		assert.GreaterOrEqual(t, eff, 8*time.Second)
		assert.LessOrEqual(t, eff, max)
	})

	t.Run("never exceeds max", func(t *testing.T) {
		a := NewAdaptiveTimeout(min, max)
		for i := 0; i < 10; i++ {
			a.Observe(5 * time.Minute)
		}
		assert.Equal(t, max, a.Effective())
	})
}
