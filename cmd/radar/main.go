// Radar server: federates Brazilian public procurement portals behind one
// search API, with a staged filter engine, tiered caching, and background
// report generation.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/licitahub/radar/pkg/api"
	"github.com/licitahub/radar/pkg/cache"
	"github.com/licitahub/radar/pkg/config"
	"github.com/licitahub/radar/pkg/consolidation"
	"github.com/licitahub/radar/pkg/database"
	"github.com/licitahub/radar/pkg/filter"
	"github.com/licitahub/radar/pkg/llm"
	"github.com/licitahub/radar/pkg/metrics"
	"github.com/licitahub/radar/pkg/queue"
	"github.com/licitahub/radar/pkg/report"
	"github.com/licitahub/radar/pkg/resilience"
	"github.com/licitahub/radar/pkg/search"
	"github.com/licitahub/radar/pkg/services"
	"github.com/licitahub/radar/pkg/sources"
	"github.com/licitahub/radar/pkg/version"
)

const sessionRecoveryGrace = 30 * time.Minute

func main() {
	configDir := flag.String("config-dir", envOr("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	settings, err := config.LoadSettings()
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting radar", "version", version.Full(), "http_port", settings.HTTPPort)

	sectors, err := config.LoadSectors(filepath.Join(*configDir, "sectors"))
	if err != nil {
		slog.Error("Failed to load sector registry", "error", err)
		os.Exit(1)
	}
	slog.Info("Sector registry loaded", "sectors", sectors.Len())

	ctx := context.Background()

	// Database: pool + migrations + cache schema contract check.
	dbClient, err := database.NewClient(ctx, settings.DBURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL")

	// Redis: shared cache tier, breaker state, rate limiter, queue, pub/sub.
	// The process runs without it; every Redis consumer degrades locally.
	var rdb *redis.Client
	if opts, perr := redis.ParseURL(settings.KVStoreURL); perr != nil {
		slog.Warn("Invalid KV_STORE_URL, running without Redis", "error", perr)
	} else {
		rdb = redis.NewClient(opts)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			slog.Warn("Redis unreachable at startup, continuing degraded", "error", err)
		}
		cancel()
		defer rdb.Close()
	}

	m := metrics.New()

	// Cache cascade.
	pgTier := cache.NewPostgresTier(dbClient.Pool())
	if err := pgTier.ValidateSchema(ctx); err != nil {
		slog.Error("Cache schema validation failed", "error", err)
		os.Exit(1)
	}
	var redisTier *cache.RedisTier
	if rdb != nil {
		redisTier = cache.NewRedisTier(rdb)
	}
	fileTier, err := cache.NewFileTier(settings.FileCacheDir)
	if err != nil {
		slog.Warn("File cache tier unavailable", "dir", settings.FileCacheDir, "error", err)
	}
	store := cache.NewMultiLevel(pgTier, redisTier, fileTier)
	if fileTier != nil {
		go fileTier.RunJanitor(ctx, 30*time.Minute)
	}

	// Source adapters behind their resilience guards.
	dateMemory := sources.NewDateFormatMemory(rdb)
	var adapters []sources.Adapter
	pncp := sources.NewPNCPAdapter(envOr("PNCP_BASE_URL", "https://pncp.gov.br/api/consulta"), dateMemory)
	adapters = append(adapters, pncp)
	if settings.EnableMultiSource {
		adapters = append(adapters, sources.NewComprasGovAdapter(
			envOr("COMPRASGOV_BASE_URL", "https://dadosabertos.compras.gov.br"), dateMemory))
	}
	fallback := sources.NewLicitaNetAdapter(envOr("LICITANET_BASE_URL", "https://api.licitanet.com.br"), dateMemory)

	guards := make(map[string]consolidation.Guard)
	for _, a := range adapters {
		code := a.Metadata().Code
		breaker := resilience.NewCircuitBreaker(code, 5, time.Minute, rdb)
		breaker.SetStateTTL(settings.CBRedisTTL)
		guards[code] = consolidation.Guard{
			Breaker: breaker,
			Timeout: resilience.NewAdaptiveTimeout(10*time.Second, 60*time.Second),
		}
	}
	consolidator, err := consolidation.NewService(adapters, fallback, guards)
	if err != nil {
		slog.Error("Failed to assemble consolidation service", "error", err)
		os.Exit(1)
	}

	// LLM + filter engine.
	var model *llm.Client
	if settings.LLMAPIKey != "" {
		model = llm.NewClient(settings.LLMAPIKey)
		model.SetMetrics(m)
	} else {
		slog.Warn("LLM_API_KEY not set: arbiter and executive summary degraded to fallbacks")
	}
	var arbiter *filter.CachedArbiter
	if model != nil {
		arbiter = filter.NewCachedArbiter(model, rdb)
	}
	inspector := filter.NewItemInspector(pncp)
	tracker := filter.NewRejectionTracker()
	engine := filter.NewEngine(arbiter, inspector, tracker)

	// Services + progress hub.
	quotaService := services.NewQuotaService(dbClient.Pool())
	sessionService := services.NewSessionService(dbClient.Pool())
	if _, err := sessionService.RecoverAbandoned(ctx, sessionRecoveryGrace); err != nil {
		slog.Warn("Session recovery pass failed", "error", err)
	}
	hub := search.NewProgressHub(rdb)

	// Report storage + background workers.
	baseURL := envOr("PUBLIC_BASE_URL", "http://localhost:"+settings.HTTPPort)
	fileStore, err := report.NewLocalStore(filepath.Join(settings.FileCacheDir, "reports"), baseURL)
	if err != nil {
		slog.Error("Failed to initialize report storage", "error", err)
		os.Exit(1)
	}
	go fileStore.RunJanitor(ctx, 15*time.Minute)

	var jobQueue *queue.Queue
	var worker *queue.Worker
	if rdb != nil {
		jobQueue = queue.NewQueue(rdb)
		worker = queue.NewWorker(jobQueue, rdb, model, fileStore, hub, 2)
		worker.SetMetrics(m)
		worker.Start(ctx)
		defer worker.Stop()
	}

	var dispatcher search.JobDispatcher
	if jobQueue != nil {
		dispatcher = jobQueue
	}
	pipeline := search.NewPipeline(
		settings, sectors, consolidator, store, engine, model,
		quotaService, sessionService, hub, dispatcher, report.NewRenderer(fileStore),
		func(st search.State, d time.Duration) { m.ObserveState(string(st), d) },
	)
	pipeline.SetMetrics(m)

	go sampleBreakers(ctx, guards, m)

	limiter := resilience.NewRateLimiter(rdb, settings.RateLimitPerMin, time.Minute)

	server := api.NewServer(api.Deps{
		Settings: settings,
		Pipeline: pipeline,
		Hub:      hub,
		Store:    store,
		Sessions: sessionService,
		Quota:    quotaService,
		Limiter:  limiter,
		Redis:    rdb,
		Jobs:     jobQueue,
		Files:    fileStore,
		Tracker:  tracker,
		Metrics:  m,
	})
	httpServer := server.NewHTTPServer()
	server.SetReady()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	for _, a := range adapters {
		_ = a.Close()
	}
	_ = fallback.Close()
	slog.Info("Radar stopped")
}

// sampleBreakers refreshes the per-source breaker gauge every 30s so the
// metrics endpoint reflects trips that happened on other replicas too.
func sampleBreakers(ctx context.Context, guards map[string]consolidation.Guard, m *metrics.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for code, g := range guards {
				open := 0.0
				if g.Breaker.Open(ctx) {
					open = 1.0
				}
				m.BreakerState.WithLabelValues(code).Set(open)
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
