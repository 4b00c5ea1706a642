// internal/app/router.go
package app

import (
	"net/http"

	inboxHandler "smartfarm-notifier/internal/handlers/inbox"
	notifyHandler "smartfarm-notifier/internal/handlers/notification"
	wsHandler "smartfarm-notifier/internal/handlers/websocket"
	"smartfarm-notifier/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const version = "1.0.0"

func newEngine(logger *zap.Logger, origins []string) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.CORSMiddleware(origins),
	)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	return r
}

type AgentHandlers struct {
	Inbox          *inboxHandler.InboxHandler
	WS             *wsHandler.WebSocketHandler
	DashboardToken string
	NotifyLimiter  *middleware.RateLimiter
}

// SetupAgentRouter mounts the dashboard surface of the agent.
func SetupAgentRouter(r *gin.Engine, h *AgentHandlers) {
	r.GET("/ws", h.WS.HandleConnection)

	api := r.Group("/api/v1")
	api.Use(middleware.StaticToken(h.DashboardToken))
	{
		h.Inbox.RegisterRoutes(api, h.NotifyLimiter.Middleware())
		api.GET("/ws/stats", h.WS.GetStats)
	}
}

type BackendHandlers struct {
	Notif          *notifyHandler.NotificationHandler
	WS             *wsHandler.WebSocketHandler
	AuthMiddleware *middleware.AuthMiddleware
	IngestLimiter  *middleware.RateLimiter
}

// IngestRoles may create notifications and post farm events.
var IngestRoles = []string{"ingest", "admin"}

// SetupBackendRouter mounts the REST API and the push gateway.
func SetupBackendRouter(r *gin.Engine, h *BackendHandlers) {
	r.GET("/ws", h.WS.HandleConnection)

	api := r.Group("/api/v1")
	user := api.Group("", h.AuthMiddleware.Auth())
	ingest := api.Group("",
		h.IngestLimiter.Middleware(),
		h.AuthMiddleware.Auth(),
		h.AuthMiddleware.RequireRole(IngestRoles...),
	)
	h.Notif.RegisterRoutes(user, ingest)
	user.GET("/ws/stats", h.WS.GetStats)
}
