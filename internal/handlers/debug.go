package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"farm-chat-service/internal/telemetry"
	"farm-chat-service/internal/ws"
)

// RegisterDebugRoutes wires debug-only endpoints. They stay off in production
// unless DEBUG_ROUTES is set.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, hub *ws.Hub, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Open websocket channels per user, for poking at fan-out issues.
	router.GET("/debug/ws-state", func(c *gin.Context) {
		snapshot := hub.Snapshot()
		total := 0
		for _, n := range snapshot {
			total += n
		}
		c.JSON(http.StatusOK, gin.H{
			"connected_users":  len(snapshot),
			"open_channels":    total,
			"channels_by_user": snapshot,
		})
	})
}
