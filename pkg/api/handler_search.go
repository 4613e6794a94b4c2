package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/licitahub/radar/pkg/models"
	"github.com/licitahub/radar/pkg/search"
	"github.com/licitahub/radar/pkg/services"
)

// searchHandler handles POST /api/v1/search: rate limit, run the pipeline,
// return the envelope. All failure statuses carry a JSON body.
func (s *Server) searchHandler(c *gin.Context) {
	userID := c.GetString(userIDKey)

	if s.limiter != nil {
		decision := s.limiter.Allow(c.Request.Context(), userID)
		if !decision.Allowed {
			retrySecs := int(decision.RetryAfter.Seconds())
			c.Header("Retry-After", fmt.Sprintf("%d", retrySecs))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retrySecs,
			})
			return
		}
	}

	var params models.SearchParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	start := time.Now()
	resp, err := s.pipeline.Run(c.Request.Context(), userID, params)
	if err != nil {
		s.writeSearchError(c, params.SearchID, err)
		return
	}

	if s.metrics != nil {
		s.metrics.SearchDuration.WithLabelValues(resp.ResponseState).
			Observe(time.Since(start).Seconds())
	}
	c.JSON(http.StatusOK, resp)
}

// writeSearchError maps pipeline errors onto HTTP statuses, always with a
// JSON body.
func (s *Server) writeSearchError(c *gin.Context, searchID string, err error) {
	var verr *search.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     verr.Error(),
			"field":     verr.Field,
			"search_id": searchID,
		})
	case errors.Is(err, services.ErrQuotaExceeded):
		retrySecs := secondsToNextMonth(time.Now())
		c.Header("Retry-After", fmt.Sprintf("%d", retrySecs))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "monthly search quota exceeded",
			"retry_after": retrySecs,
			"search_id":   searchID,
		})
	case errors.Is(err, services.ErrPlanNotFound):
		c.JSON(http.StatusForbidden, gin.H{
			"error":     "no active plan",
			"search_id": searchID,
		})
	case errors.Is(err, search.ErrSearchTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":     "search exceeded maximum duration",
			"search_id": searchID,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "internal error",
			"search_id": searchID,
		})
	}
}

// secondsToNextMonth is the Retry-After value for quota rejections: the
// counter resets at the first instant of the next calendar month.
func secondsToNextMonth(now time.Time) int {
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	return int(next.Sub(now).Seconds())
}
