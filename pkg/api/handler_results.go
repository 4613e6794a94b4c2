package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/licitahub/radar/pkg/models"
	"github.com/licitahub/radar/pkg/queue"
	"github.com/licitahub/radar/pkg/services"
)

// resultsHandler serves the persisted response envelope for a finished
// search, for clients that reconnected after the POST returned.
func (s *Server) resultsHandler(c *gin.Context) {
	searchID := c.Param("search_id")
	resp, err := s.sessions.ResultsBySearchID(c.Request.Context(), searchID)
	if errors.Is(err, services.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no results for search", "search_id": searchID})
		return
	}
	if err != nil {
		slog.Error("Results lookup failed", "search_id", searchID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// jobResultsHandler reports the background job outputs: the LLM executive
// summary and the report download URL, each nullable until its job finishes.
func (s *Server) jobResultsHandler(c *gin.Context) {
	searchID := c.Param("search_id")
	ctx := c.Request.Context()

	out := gin.H{
		"search_id":    searchID,
		"summary":      nil,
		"download_url": nil,
	}

	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, queue.SummaryResultKey(searchID)).Result(); err == nil {
			var resumo models.Resumo
			if json.Unmarshal([]byte(raw), &resumo) == nil {
				out["summary"] = resumo
			}
		} else if err != redis.Nil {
			slog.Warn("Summary result lookup failed", "search_id", searchID, "error", err)
		}
		if url, err := s.rdb.Get(ctx, queue.ReportResultKey(searchID)).Result(); err == nil {
			out["download_url"] = url
		} else if err != redis.Nil {
			slog.Warn("Report result lookup failed", "search_id", searchID, "error", err)
		}
	}
	c.JSON(http.StatusOK, out)
}

// fileHandler serves stored report files for the TTL window.
func (s *Server) fileHandler(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	data, err := s.files.Get(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found or expired"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}
