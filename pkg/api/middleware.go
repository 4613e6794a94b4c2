package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const userIDKey = "user_id"

// requestLogger logs one line per request in slog format.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// SSE streams log on close, which for long streams is minutes after
		// the request started.
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// requireUser extracts the authenticated user id set by the upstream auth
// gateway. Requests without it are rejected.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing user identity",
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// requireAdmin gates the admin group on the plan's is_admin flag.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.quota == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access unavailable"})
			return
		}
		status, err := s.quota.Check(c.Request.Context(), c.GetString(userIDKey))
		if err != nil && status == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access denied"})
			return
		}
		if status == nil || !status.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access denied"})
			return
		}
		c.Next()
	}
}
