package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMiss is returned by tier reads when the key is absent.
var ErrMiss = errors.New("cache miss")

// expectedColumns is the Row column contract. ValidateSchema compares the
// live table against it and the process refuses to start on divergence.
var expectedColumns = []string{
	"params_hash", "user_id", "results", "search_params", "sources_json",
	"fetched_at", "last_success_at", "last_attempt_at", "fail_streak",
	"degraded_until", "coverage", "fetch_duration_ms", "priority",
	"access_count", "last_accessed_at",
}

// PostgresTier is the durable, authoritative cache tier.
type PostgresTier struct {
	pool *pgxpool.Pool
}

// NewPostgresTier wraps the shared pool.
func NewPostgresTier(pool *pgxpool.Pool) *PostgresTier {
	return &PostgresTier{pool: pool}
}

// ValidateSchema compares the live search_cache columns against the row
// contract. Any divergence is a startup failure.
func (t *PostgresTier) ValidateSchema(ctx context.Context) error {
	rows, err := t.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_name = 'search_cache'`)
	if err != nil {
		return fmt.Errorf("querying search_cache schema: %w", err)
	}
	defer rows.Close()

	actual := make(map[string]bool)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return fmt.Errorf("scanning column name: %w", err)
		}
		actual[col] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var missing []string
	for _, col := range expectedColumns {
		if !actual[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("search_cache schema divergence, missing columns: %v", missing)
	}
	return nil
}

// Get reads a row by params_hash.
func (t *PostgresTier) Get(ctx context.Context, paramsHash string) (*Row, error) {
	var (
		row           Row
		resultsJSON   []byte
		paramsJSON    []byte
		sourcesJSON   []byte
		coverageJSON  []byte
		degradedUntil *time.Time
	)
	err := t.pool.QueryRow(ctx,
		`SELECT params_hash, user_id, results, search_params, sources_json,
		        fetched_at, last_success_at, last_attempt_at, fail_streak,
		        degraded_until, coverage, fetch_duration_ms, priority,
		        access_count, last_accessed_at
		 FROM search_cache WHERE params_hash = $1`, paramsHash).
		Scan(&row.ParamsHash, &row.UserID, &resultsJSON, &paramsJSON,
			&sourcesJSON, &row.FetchedAt, &row.LastSuccessAt,
			&row.LastAttemptAt, &row.FailStreak, &degradedUntil,
			&coverageJSON, &row.FetchDurationMS, &row.Priority,
			&row.AccessCount, &row.LastAccessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache row: %w", err)
	}

	row.DegradedUntil = degradedUntil
	if err := json.Unmarshal(resultsJSON, &row.Results); err != nil {
		return nil, fmt.Errorf("decoding cached results: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &row.SearchParams); err != nil {
		return nil, fmt.Errorf("decoding cached params: %w", err)
	}
	if len(sourcesJSON) > 0 {
		_ = json.Unmarshal(sourcesJSON, &row.Sources)
	}
	if len(coverageJSON) > 0 {
		_ = json.Unmarshal(coverageJSON, &row.Coverage)
	}
	return &row, nil
}

// Put upserts a row. Two searches sharing a params_hash may race; the last
// writer wins.
func (t *PostgresTier) Put(ctx context.Context, row *Row) error {
	resultsJSON, err := json.Marshal(row.Results)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	paramsJSON, err := json.Marshal(row.SearchParams)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	sourcesJSON, _ := json.Marshal(row.Sources)
	coverageJSON, _ := json.Marshal(row.Coverage)

	_, err = t.pool.Exec(ctx,
		`INSERT INTO search_cache (
			params_hash, user_id, results, search_params, sources_json,
			fetched_at, last_success_at, last_attempt_at, fail_streak,
			degraded_until, coverage, fetch_duration_ms, priority,
			access_count, last_accessed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (params_hash) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			results = EXCLUDED.results,
			search_params = EXCLUDED.search_params,
			sources_json = EXCLUDED.sources_json,
			fetched_at = EXCLUDED.fetched_at,
			last_success_at = EXCLUDED.last_success_at,
			last_attempt_at = EXCLUDED.last_attempt_at,
			fail_streak = EXCLUDED.fail_streak,
			degraded_until = EXCLUDED.degraded_until,
			coverage = EXCLUDED.coverage,
			fetch_duration_ms = EXCLUDED.fetch_duration_ms,
			priority = EXCLUDED.priority,
			access_count = EXCLUDED.access_count,
			last_accessed_at = EXCLUDED.last_accessed_at`,
		row.ParamsHash, row.UserID, resultsJSON, paramsJSON, sourcesJSON,
		row.FetchedAt, row.LastSuccessAt, row.LastAttemptAt, row.FailStreak,
		row.DegradedUntil, coverageJSON, row.FetchDurationMS, row.Priority,
		row.AccessCount, row.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("upserting cache row: %w", err)
	}
	return nil
}

// Touch increments access_count and refreshes last_accessed_at on a hit.
func (t *PostgresTier) Touch(ctx context.Context, paramsHash string) error {
	_, err := t.pool.Exec(ctx,
		`UPDATE search_cache
		 SET access_count = access_count + 1, last_accessed_at = NOW()
		 WHERE params_hash = $1`, paramsHash)
	return err
}

// RecordFailure increments fail_streak and arms the degradation window with
// exponential backoff. Maintains the invariant last_attempt_at >=
// last_success_at while fail_streak > 0.
func (t *PostgresTier) RecordFailure(ctx context.Context, paramsHash string) error {
	var failStreak int
	err := t.pool.QueryRow(ctx,
		`UPDATE search_cache
		 SET fail_streak = fail_streak + 1, last_attempt_at = NOW()
		 WHERE params_hash = $1
		 RETURNING fail_streak`, paramsHash).Scan(&failStreak)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMiss
	}
	if err != nil {
		return err
	}

	until := time.Now().Add(degradationBackoff(failStreak))
	_, err = t.pool.Exec(ctx,
		`UPDATE search_cache SET degraded_until = $2 WHERE params_hash = $1`,
		paramsHash, until)
	return err
}

// RecordSuccess clears health metadata after a successful refresh.
func (t *PostgresTier) RecordSuccess(ctx context.Context, paramsHash string) error {
	_, err := t.pool.Exec(ctx,
		`UPDATE search_cache
		 SET fail_streak = 0, degraded_until = NULL,
		     last_success_at = NOW(), last_attempt_at = NOW()
		 WHERE params_hash = $1`, paramsHash)
	return err
}

// HealthStats aggregates per-entry health for the /health/cache endpoint.
func (t *PostgresTier) HealthStats(ctx context.Context) (degradedKeys int, avgFailStreak float64, err error) {
	err = t.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE degraded_until > NOW()),
		        COALESCE(AVG(fail_streak), 0)
		 FROM search_cache`).Scan(&degradedKeys, &avgFailStreak)
	return degradedKeys, avgFailStreak, err
}

// Ping verifies tier reachability for health reporting.
func (t *PostgresTier) Ping(ctx context.Context) error {
	return t.pool.Ping(ctx)
}
