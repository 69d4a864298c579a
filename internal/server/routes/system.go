package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/helixflow/helixgate/internal/domain"
	"github.com/helixflow/helixgate/internal/handler"
	"github.com/helixflow/helixgate/internal/server/middleware"
	"github.com/helixflow/helixgate/internal/service"
)

// RegisterSystemRoutes mounts the operator surface behind monitoring.read.
func RegisterSystemRoutes(
	v1 *gin.RouterGroup,
	h *handler.Handlers,
	auth middleware.Auth,
	rbac *service.RBACService,
) {
	group := v1.Group("/system")
	group.Use(gin.HandlerFunc(auth), middleware.RequirePermission(rbac, domain.PermMonitoringRead))
	{
		group.GET("/status", h.System.Status)
		group.GET("/gpus", h.System.GPUs)
	}
}
