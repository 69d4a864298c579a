package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/helixflow/helixgate/internal/handler"
	"github.com/helixflow/helixgate/internal/server/middleware"
)

// RegisterModelRoutes mounts the catalog listing. Anonymous requests are
// allowed, but a presented token is still fully validated.
func RegisterModelRoutes(v1 *gin.RouterGroup, h *handler.Handlers, optionalAuth middleware.OptionalAuth) {
	group := v1.Group("/models")
	group.Use(gin.HandlerFunc(optionalAuth))
	{
		group.GET("", h.Models.List)
	}
}
