package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/pkg/ip"
	"github.com/helixflow/helixgate/internal/pkg/logger"
	"github.com/helixflow/helixgate/internal/server/middleware"
)

// errorResponse writes the gateway error shape:
// {"error":{"type":taxonomy,"message":human,"code":reason-lowercased}}.
func errorResponse(c *gin.Context, err error) {
	e := infraerrors.FromError(err)
	c.JSON(int(e.Status.Code), gin.H{
		"error": gin.H{
			"type":    infraerrors.TypeOf(e),
			"message": e.Status.Message,
			"code":    infraerrors.ExternalCode(e),
		},
	})
}

// errorResponseRetryable is errorResponse plus a Retry-After hint, for
// capacity-shaped 503s.
func errorResponseRetryable(c *gin.Context, err error, retryAfter int) {
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Writer.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	errorResponse(c, err)
}

// requestLogger builds a logger carrying the request correlation fields.
func requestLogger(c *gin.Context, op string, fields ...zap.Field) *zap.Logger {
	base := make([]zap.Field, 0, 4+len(fields))
	base = append(base,
		zap.String("op", op),
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.String("client_ip", ip.GetClientIP(c)),
	)
	if p, ok := middleware.GetPrincipalFromContext(c); ok {
		base = append(base, zap.String("principal", p.ID))
	}
	return logger.L().With(append(base, fields...)...)
}
