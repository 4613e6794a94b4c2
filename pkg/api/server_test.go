package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/licitahub/radar/pkg/config"
	"github.com/licitahub/radar/pkg/models"
	"github.com/licitahub/radar/pkg/queue"
	"github.com/licitahub/radar/pkg/resilience"
	"github.com/licitahub/radar/pkg/search"
	"github.com/licitahub/radar/pkg/services"
)

type fakeFiles map[string][]byte

func (f fakeFiles) Put(_ context.Context, key string, data []byte) (string, error) {
	f[key] = data
	return "/files/" + key, nil
}

func (f fakeFiles) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f[key]
	if !ok {
		return nil, fmt.Errorf("no such file %q", key)
	}
	return data, nil
}

func testServer(t *testing.T, mutate func(*Deps)) (*Server, *gin.Engine, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	deps := Deps{
		Settings: &config.Settings{HTTPPort: "8080"},
		Limiter:  resilience.NewRateLimiter(nil, 100, time.Minute),
		Redis:    rdb,
		Files:    fakeFiles{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	s := NewServer(deps)
	return s, s.Router(), rdb
}

func TestRequireUser(t *testing.T) {
	_, router, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "missing user identity")
}

func TestSearchRejectsInvalidBody(t *testing.T) {
	_, router, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search",
		strings.NewReader(`{"setor_id": "vestuario"}`))
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "invalid request body")
}

func TestSearchRateLimited(t *testing.T) {
	_, router, _ := testServer(t, func(d *Deps) {
		d.Limiter = resilience.NewRateLimiter(nil, 1, time.Minute)
	})

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader("{}"))
		req.Header.Set("X-User-ID", "u1")
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	first := do()
	assert.Equal(t, http.StatusBadRequest, first.Code, "first request passes the limiter")

	second := do()
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
}

func TestReadyHandler(t *testing.T) {
	s, router, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["ready"], "not ready until startup wiring finishes")

	s.SetReady()
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["ready"])
	uptime, ok := body["uptime_seconds"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, uptime, 0.0)
}

func TestSecondsToNextMonth(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 561600, secondsToNextMonth(now)) // 6d12h to Sep 1
}

func TestFileHandler(t *testing.T) {
	files := fakeFiles{"licitacoes-s1.xlsx": []byte("xlsx bytes")}
	_, router, _ := testServer(t, func(d *Deps) { d.Files = files })

	t.Run("serves stored report", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/files/licitacoes-s1.xlsx", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "xlsx bytes", w.Body.String())
		assert.Contains(t, w.Header().Get("Content-Disposition"), "licitacoes-s1.xlsx")
	})

	t.Run("missing file is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/files/nope.xlsx", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestJobResultsHandler(t *testing.T) {
	ctx := context.Background()
	_, router, rdb := testServer(t, nil)

	t.Run("nulls before jobs finish", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/job-results/s1", nil)
		req.Header.Set("X-User-ID", "u1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Nil(t, body["summary"])
		assert.Nil(t, body["download_url"])
	})

	t.Run("returns finished job outputs", func(t *testing.T) {
		raw, err := json.Marshal(models.Resumo{ResumoExecutivo: "resumo", TotalOportunidades: 2})
		require.NoError(t, err)
		require.NoError(t, rdb.Set(ctx, queue.SummaryResultKey("s1"), raw, time.Hour).Err())
		require.NoError(t, rdb.Set(ctx, queue.ReportResultKey("s1"), "/files/licitacoes-s1.xlsx", time.Hour).Err())

		req := httptest.NewRequest(http.MethodGet, "/api/v1/job-results/s1", nil)
		req.Header.Set("X-User-ID", "u1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		summary, ok := body["summary"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "resumo", summary["resumo_executivo"])
		assert.Equal(t, "/files/licitacoes-s1.xlsx", body["download_url"])
	})
}

func TestAdminRequiresQuotaService(t *testing.T) {
	_, router, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/rejections", nil)
	req.Header.Set("X-User-ID", "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWriteSearchError(t *testing.T) {
	s, _, _ := testServer(t, nil)

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation error", &search.ValidationError{Field: "ufs", Reason: "empty"}, http.StatusBadRequest},
		{"quota exceeded", services.ErrQuotaExceeded, http.StatusTooManyRequests},
		{"no plan", services.ErrPlanNotFound, http.StatusForbidden},
		{"search timeout", search.ErrSearchTimeout, http.StatusGatewayTimeout},
		{"wrapped timeout", fmt.Errorf("stage 2: %w", search.ErrSearchTimeout), http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			s.writeSearchError(c, "s1", tt.err)

			assert.Equal(t, tt.expected, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "s1", body["search_id"])
			assert.NotEmpty(t, body["error"])
		})
	}

	t.Run("quota rejection tells when the counter resets", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		s.writeSearchError(c, "s1", services.ErrQuotaExceeded)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		retry, ok := body["retry_after"].(float64)
		require.True(t, ok)
		assert.Greater(t, retry, 0.0)
	})
}
