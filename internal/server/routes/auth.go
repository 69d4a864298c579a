package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/helixflow/helixgate/internal/handler"
	"github.com/helixflow/helixgate/internal/server/middleware"
)

// RegisterAuthRoutes mounts the token lifecycle. Login and refresh are
// public; refresh proves possession through the refresh token itself.
// Revoke requires a live access token so the caller is identified.
func RegisterAuthRoutes(v1 *gin.RouterGroup, h *handler.Handlers, auth middleware.Auth) {
	group := v1.Group("/auth")
	{
		group.POST("/login", h.Auth.Login)
		group.POST("/refresh", h.Auth.Refresh)
	}

	authenticated := v1.Group("/auth")
	authenticated.Use(gin.HandlerFunc(auth))
	{
		authenticated.POST("/revoke", h.Auth.Revoke)
	}
}
