package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/licitahub/radar/pkg/version"
)

// readyHandler is the liveness probe: answers without touching any
// dependency so a sick Postgres never gets the process restarted.
func (s *Server) readyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ready":          s.ready.Load(),
		"uptime_seconds": time.Since(s.started).Seconds(),
		"version":        version.GitCommit,
	})
}

// cacheHealthHandler reports per-tier cache health, degradation aggregates,
// and the job queue depth.
func (s *Server) cacheHealthHandler(c *gin.Context) {
	ctx := c.Request.Context()

	tiers, degradedKeys, avgFailStreak := s.store.Health(ctx)

	healthy := true
	for _, t := range tiers {
		// The cascade survives Redis or file tier loss; only a dead
		// Postgres makes the cache unhealthy.
		if t.Name == "postgres" && !t.Healthy {
			healthy = false
		}
	}

	body := gin.H{
		"healthy":             healthy,
		"tiers":               tiers,
		"degraded_keys_count": degradedKeys,
		"avg_fail_streak":     avgFailStreak,
	}
	if s.jobs != nil {
		if depth, err := s.jobs.Depth(ctx); err == nil {
			body["job_queue_depth"] = depth
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}
