package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/licitahub/radar/pkg/models"
)

const heartbeatInterval = 15 * time.Second

// progressHandler streams progress events for a search over SSE. Heartbeats
// every 15s keep intermediaries from closing the connection; the stream ends
// on a terminal event, client disconnect, or the search max duration.
func (s *Server) progressHandler(c *gin.Context) {
	searchID := c.Param("search_id")
	userID := c.GetString(userIDKey)

	if !s.acquireStream(userID) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("at most %d concurrent progress streams", s.settings.SSEConnectionCap),
		})
		return
	}
	defer s.releaseStream(userID)
	if s.metrics != nil {
		s.metrics.SSEConnections.Inc()
		defer s.metrics.SSEConnections.Dec()
	}

	events := s.hub.Subscribe(searchID)
	var cancelRemote func()
	if events == nil {
		// Search is running on another replica (or not at all); follow the
		// pub/sub channel.
		events, cancelRemote = s.hub.SubscribeRemote(c.Request.Context(), searchID)
		if cancelRemote != nil {
			defer cancelRemote()
		}
	}
	if events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown search"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	deadline := time.NewTimer(s.settings.SearchMaxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-deadline.C:
			writeSSE(c, models.NewProgressEvent(models.StageError, -1, "Tempo limite da busca excedido", nil))
			return
		case <-heartbeat.C:
			writeSSE(c, models.NewProgressEvent(models.StageHeartbeat, 0, "", nil))
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(c, ev)
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeSSE(c *gin.Context, ev models.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Stage, data)
	c.Writer.Flush()
}

func (s *Server) acquireStream(userID string) bool {
	s.sseMu.Lock()
	defer s.sseMu.Unlock()
	if s.sseCount[userID] >= s.settings.SSEConnectionCap {
		return false
	}
	s.sseCount[userID]++
	return true
}

func (s *Server) releaseStream(userID string) {
	s.sseMu.Lock()
	defer s.sseMu.Unlock()
	if s.sseCount[userID] <= 1 {
		delete(s.sseCount, userID)
	} else {
		s.sseCount[userID]--
	}
}
