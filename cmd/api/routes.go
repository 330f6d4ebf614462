package main

import (
	"ringlink/internal/auth"
	"ringlink/internal/calllog"
	"ringlink/internal/httpapi"
	"ringlink/internal/push"
	"ringlink/internal/transport"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authManager *auth.Manager, hub *transport.Hub,
	pushService *push.Service, tokens push.TokenRepository, logs *calllog.Service) {

	h := httpapi.Handlers{
		Auth:   authManager,
		Push:   pushService,
		Tokens: tokens,
		Logs:   logs,
	}

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.POST("/v1/auth/login", h.Login)

	authMW := auth.RequireAccessToken(authManager)

	// Signaling websocket. Token arrives via query param on upgrade requests;
	// the middleware accepts both forms.
	r.GET("/ws", authMW, func(c *gin.Context) {
		userID, err := auth.UserID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{"error": "unauthenticated"})
			return
		}
		// HandleWS blocks for the lifetime of the connection.
		_ = hub.HandleWS(userID, c.Writer, c.Request)
	})

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.POST("/push/dispatch", h.DispatchWake)

		devices := v1.Group("/devices")
		{
			devices.POST("", h.RegisterDevice)
			devices.DELETE("/:token", h.UnregisterDevice)
		}

		calls := v1.Group("/calls")
		{
			calls.GET("/summary", h.CallSummary)
		}
	}
}
