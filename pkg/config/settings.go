// Package config loads environment settings and the sector registry that
// drives keyword filtering.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Settings is the environment-driven runtime configuration. Read once at
// startup; feature flags are snapshotted per request at the HTTP boundary,
// never re-read inside loops.
type Settings struct {
	HTTPPort string

	DBURL            string
	KVStoreURL       string
	LLMAPIKey        string
	ObjectStorageURL string
	FileCacheDir     string

	EnableMultiSource   bool
	LLMArbiterEnabled   bool
	LLMZeroMatchEnabled bool
	MetricsEnabled      bool
	UserFeedbackEnabled bool

	CBRedisTTL            time.Duration
	SearchFetchTimeout    time.Duration
	SearchMaxDuration     time.Duration
	UserFeedbackRateLimit int

	// RateLimitPerMin bounds POST /search per user per minute.
	RateLimitPerMin int
	// SSEConnectionCap bounds concurrent progress streams per user.
	SSEConnectionCap int
	// ArbiterBudget caps LLM arbiter calls per search.
	ArbiterBudget int
	// ItemFetchBudget caps item-detail fetches per search.
	ItemFetchBudget int
}

// LoadSettings reads the environment, applying defaults. Only DB_URL is
// mandatory; everything else degrades to a sensible local default.
func LoadSettings() (*Settings, error) {
	s := &Settings{
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		DBURL:            os.Getenv("DB_URL"),
		KVStoreURL:       getEnv("KV_STORE_URL", "redis://localhost:6379/0"),
		LLMAPIKey:        os.Getenv("LLM_API_KEY"),
		ObjectStorageURL: getEnv("OBJECT_STORAGE_URL", ""),
		FileCacheDir:     getEnv("FILE_CACHE_DIR", "/tmp/radar-cache"),

		EnableMultiSource:   getBool("ENABLE_MULTI_SOURCE", true),
		LLMArbiterEnabled:   getBool("LLM_ARBITER_ENABLED", true),
		LLMZeroMatchEnabled: getBool("LLM_ZERO_MATCH_ENABLED", false),
		MetricsEnabled:      getBool("METRICS_ENABLED", true),
		UserFeedbackEnabled: getBool("USER_FEEDBACK_ENABLED", false),

		CBRedisTTL:            getDuration("CB_REDIS_TTL", 24*time.Hour),
		SearchFetchTimeout:    getDuration("SEARCH_FETCH_TIMEOUT", 90*time.Second),
		SearchMaxDuration:     getDuration("SEARCH_MAX_DURATION", 5*time.Minute),
		UserFeedbackRateLimit: getInt("USER_FEEDBACK_RATE_LIMIT", 10),

		RateLimitPerMin:  getInt("SEARCH_RATE_LIMIT_PER_MIN", 10),
		SSEConnectionCap: getInt("SSE_CONNECTION_CAP", 3),
		ArbiterBudget:    getInt("LLM_ARBITER_BUDGET", 25),
		ItemFetchBudget:  getInt("ITEM_FETCH_BUDGET", 15),
	}
	if s.DBURL == "" {
		return nil, fmt.Errorf("DB_URL is required")
	}
	return s, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare integers are seconds.
		if secs, ierr := strconv.Atoi(v); ierr == nil {
			return time.Duration(secs) * time.Second
		}
		return fallback
	}
	return d
}
