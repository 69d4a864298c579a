package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/helixflow/helixgate/internal/domain"
	"github.com/helixflow/helixgate/internal/handler"
	"github.com/helixflow/helixgate/internal/server/middleware"
	"github.com/helixflow/helixgate/internal/service"
)

// RegisterChatRoutes mounts inference admission. Both transports run the
// same gate order: authentication, the inference permission, then the
// rate limit, so a 403 is never charged against the caller's window.
func RegisterChatRoutes(
	v1 *gin.RouterGroup,
	h *handler.Handlers,
	auth middleware.Auth,
	wsAuth middleware.WSAuth,
	rateLimit middleware.RateLimit,
	rbac *service.RBACService,
) {
	inference := middleware.RequirePermission(rbac, domain.PermModelInference)

	group := v1.Group("/chat")
	{
		group.POST("/completions",
			gin.HandlerFunc(auth), inference, gin.HandlerFunc(rateLimit),
			h.Chat.Completions)
		group.GET("/stream",
			gin.HandlerFunc(wsAuth), inference, gin.HandlerFunc(rateLimit),
			h.Chat.StreamWS)
	}
}
