package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/server/middleware"
	"github.com/helixflow/helixgate/internal/service"
)

// JobsHandler exposes job records and cancellation.
type JobsHandler struct {
	registry  *service.JobRegistry
	scheduler *service.Scheduler
	rbac      *service.RBACService
}

func NewJobsHandler(registry *service.JobRegistry, scheduler *service.Scheduler, rbac *service.RBACService) *JobsHandler {
	return &JobsHandler{registry: registry, scheduler: scheduler, rbac: rbac}
}

// Get handles GET /v1/jobs/:id. Owners see their own records; everyone
// else needs monitoring.read. Foreign ids without that permission read
// as absent, not forbidden, so ids cannot be probed.
func (h *JobsHandler) Get(c *gin.Context) {
	principal, ok := middleware.GetPrincipalFromContext(c)
	if !ok {
		errorResponse(c, infraerrors.Unauthorized("AUTH_HEADER_INVALID",
			"missing Authorization header"))
		return
	}

	job, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	if job.Owner != principal.ID && !h.rbac.HasPermission(principal, domain.PermMonitoringRead) {
		errorResponse(c, infraerrors.NotFound("JOB_NOT_FOUND", "job not found or expired"))
		return
	}
	c.JSON(http.StatusOK, job)
}

// Cancel handles DELETE /v1/jobs/:id. Owners may cancel their own jobs;
// model.admin may cancel any. A raced completion surfaces as
// ALREADY_TERMINAL.
func (h *JobsHandler) Cancel(c *gin.Context) {
	principal, ok := middleware.GetPrincipalFromContext(c)
	if !ok {
		errorResponse(c, infraerrors.Unauthorized("AUTH_HEADER_INVALID",
			"missing Authorization header"))
		return
	}
	id := c.Param("id")

	job, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, err)
		return
	}
	if job.Owner != principal.ID && !h.rbac.HasPermission(principal, domain.PermModelAdmin) {
		errorResponse(c, infraerrors.NotFound("JOB_NOT_FOUND", "job not found or expired"))
		return
	}

	cancelled, err := h.registry.Cancel(c.Request.Context(), id)
	if err != nil {
		errorResponse(c, err)
		return
	}
	// Cut the execution context too when the job runs on this instance.
	h.scheduler.Abort(id)

	requestLogger(c, "handler.jobs.cancel").Info("job.cancelled",
		zap.String("job_id", id), zap.String("owner", job.Owner))
	c.JSON(http.StatusOK, cancelled)
}
