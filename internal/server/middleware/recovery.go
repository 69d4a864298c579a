package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/pkg/logger"
)

// Recovery turns handler panics into 500 responses. A panic after the
// response started (mid-stream) only aborts the connection; the body is
// already on the wire.
type Recovery gin.HandlerFunc

func NewRecovery() Recovery {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.L().Error("http.panic_recovered",
				zap.String("request_id", GetRequestID(c)),
				zap.String("path", c.Request.URL.Path),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			abortWithError(c, infraerrors.Internal("INTERNAL", "internal server error"))
		}()
		c.Next()
	}
}
