package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/helixflow/helixgate/internal/handler"
	"github.com/helixflow/helixgate/internal/server/middleware"
)

// RegisterJobRoutes mounts job inspection and cancellation. Ownership
// checks live in the handler because foreign ids must read as absent,
// not forbidden.
func RegisterJobRoutes(v1 *gin.RouterGroup, h *handler.Handlers, auth middleware.Auth) {
	group := v1.Group("/jobs")
	group.Use(gin.HandlerFunc(auth))
	{
		group.GET("/:id", h.Jobs.Get)
		group.DELETE("/:id", h.Jobs.Cancel)
	}
}
