package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ripgraphics/authorsinfo-realtime/services"
)

// Health reports service liveness plus the realtime connection state, so a
// probe can tell "process up" apart from "channels degraded".
func Health(store *services.RealtimeStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   "realtime-service",
			"timestamp": time.Now().UTC(),
			"realtime":  store.Status(),
		})
	}
}
