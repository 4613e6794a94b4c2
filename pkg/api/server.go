// Package api is the HTTP boundary: the search endpoint, the SSE progress
// stream, result lookups, health, and metrics. Every status code returns a
// JSON body.
package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/licitahub/radar/pkg/cache"
	"github.com/licitahub/radar/pkg/config"
	"github.com/licitahub/radar/pkg/filter"
	"github.com/licitahub/radar/pkg/metrics"
	"github.com/licitahub/radar/pkg/queue"
	"github.com/licitahub/radar/pkg/report"
	"github.com/licitahub/radar/pkg/resilience"
	"github.com/licitahub/radar/pkg/search"
	"github.com/licitahub/radar/pkg/services"
)

// Server wires the handlers to their backing services.
type Server struct {
	settings *config.Settings
	pipeline *search.Pipeline
	hub      *search.ProgressHub
	store    *cache.MultiLevel
	sessions *services.SessionService
	quota    *services.QuotaService
	limiter  *resilience.RateLimiter
	rdb      *redis.Client
	jobs     *queue.Queue
	files    report.ObjectStore
	tracker  *filter.RejectionTracker
	metrics  *metrics.Metrics

	started time.Time
	ready   atomic.Bool

	sseMu    sync.Mutex
	sseCount map[string]int
}

// Deps carries the server's collaborators.
type Deps struct {
	Settings *config.Settings
	Pipeline *search.Pipeline
	Hub      *search.ProgressHub
	Store    *cache.MultiLevel
	Sessions *services.SessionService
	Quota    *services.QuotaService
	Limiter  *resilience.RateLimiter
	Redis    *redis.Client
	Jobs     *queue.Queue
	Files    report.ObjectStore
	Tracker  *filter.RejectionTracker
	Metrics  *metrics.Metrics
}

// NewServer creates the server.
func NewServer(deps Deps) *Server {
	return &Server{
		settings: deps.Settings,
		pipeline: deps.Pipeline,
		hub:      deps.Hub,
		store:    deps.Store,
		sessions: deps.Sessions,
		quota:    deps.Quota,
		limiter:  deps.Limiter,
		rdb:      deps.Redis,
		jobs:     deps.Jobs,
		files:    deps.Files,
		tracker:  deps.Tracker,
		metrics:  deps.Metrics,
		started:  time.Now(),
		sseCount: make(map[string]int),
	}
}

// SetReady flips the readiness probe to passing once startup wiring is done.
func (s *Server) SetReady() { s.ready.Store(true) }

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health/ready", s.readyHandler)
	r.GET("/health/cache", s.cacheHealthHandler)
	if s.settings.MetricsEnabled && s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	r.GET("/files/:name", s.fileHandler)

	v1 := r.Group("/api/v1", s.requireUser())
	{
		v1.POST("/search", s.searchHandler)
		v1.GET("/search-progress/:search_id", s.progressHandler)
		v1.GET("/search-results/:search_id", s.resultsHandler)
		v1.GET("/job-results/:search_id", s.jobResultsHandler)

		admin := v1.Group("/admin", s.requireAdmin())
		admin.GET("/rejections", s.rejectionsHandler)
	}
	return r
}

// NewHTTPServer wraps the router with production timeouts. SSE needs an
// unbounded write deadline; per-stream lifetimes are enforced in the
// handler.
func (s *Server) NewHTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.settings.HTTPPort,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
