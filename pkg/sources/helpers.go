package sources

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// str extracts a string field from a raw payload map, tolerating nil maps.
func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatVal(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64)
		return f
	default:
		return 0
	}
}

func intVal(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// localLimiter is the adapter-internal pacing bucket: N requests per minute,
// refilled continuously. Distinct from the shared per-user limiter in
// pkg/resilience; this one only protects the upstream from a single process.
type localLimiter struct {
	interval time.Duration
	ticker   chan struct{}
}

func newLocalLimiter(perMinute int) localLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	l := localLimiter{
		interval: time.Minute / time.Duration(perMinute),
		ticker:   make(chan struct{}, 1),
	}
	// Prime one token so the first request never waits.
	l.ticker <- struct{}{}
	return l
}

// Wait blocks until the next request slot or context cancellation.
func (l localLimiter) Wait(ctx context.Context) error {
	select {
	case <-l.ticker:
		time.AfterFunc(l.interval, func() {
			select {
			case l.ticker <- struct{}{}:
			default:
			}
		})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
