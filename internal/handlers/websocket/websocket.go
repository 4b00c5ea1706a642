// internal/handlers/websocket/websocket.go
package websocket

import (
	"net/http"
	"time"

	"smartfarm-notifier/internal/pkg/response"
	ws "smartfarm-notifier/internal/websocket"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type WebSocketHandler struct {
	hub    *ws.Hub
	logger *zap.Logger
}

func NewWebSocketHandler(hub *ws.Hub, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		logger: logger,
	}
}

// HandleConnection authenticates the request and upgrades it.
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	token := ws.ExtractToken(c.Request)

	auth, err := h.hub.Authenticate(c.Request.Context(), token)
	if err != nil {
		h.logger.Warn("websocket authentication failed",
			zap.Error(err),
			zap.String("ip", c.ClientIP()),
		)
		response.Error(c, http.StatusUnauthorized, "authentication failed", err)
		return
	}

	client, err := h.hub.Upgrade(c.Writer, c.Request, auth)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.Error(err),
			zap.String("ip", c.ClientIP()),
		)
		return
	}

	h.logger.Info("websocket client connected",
		zap.String("user_id", auth.UserID),
		zap.String("session_id", client.SessionID()),
	)
}

// GetStats returns websocket connection statistics.
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	response.Success(c, http.StatusOK, "websocket stats", gin.H{
		"total_connections": h.hub.TotalClients(),
		"timestamp":         time.Now(),
	})
}
