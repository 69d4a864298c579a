package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/domain"
	"github.com/helixflow/helixgate/internal/server/middleware"
	"github.com/helixflow/helixgate/internal/service"
)

// ModelsHandler serves the model catalog.
type ModelsHandler struct {
	catalog *service.ModelCatalog
	rbac    *service.RBACService
}

func NewModelsHandler(catalog *service.ModelCatalog, rbac *service.RBACService) *ModelsHandler {
	return &ModelsHandler{catalog: catalog, rbac: rbac}
}

// List handles GET /v1/models. Anonymous listing is allowed; an
// authenticated caller must additionally hold model.list.
func (h *ModelsHandler) List(c *gin.Context) {
	if principal, ok := middleware.GetPrincipalFromContext(c); ok {
		if err := h.rbac.RequirePermission(principal, domain.PermModelList); err != nil {
			errorResponse(c, err)
			return
		}
	}

	models, err := h.catalog.Models(c.Request.Context())
	if err != nil {
		requestLogger(c, "handler.models.list").Error("catalog.list_failed", zap.Error(err))
		errorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   models,
	})
}
