package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// rejectionsHandler exposes the recent filter rejections so sector keyword
// lists can be tuned against real traffic.
func (s *Server) rejectionsHandler(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	if s.tracker == nil {
		c.JSON(http.StatusOK, gin.H{"rejections": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejections": s.tracker.Recent(limit)})
}
