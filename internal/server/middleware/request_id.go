package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/helixflow/helixgate/internal/pkg/ctxkey"
)

const requestIDHeader = "X-Request-ID"

// RequestID tags every request with a correlation id, honoring one the
// client already sent.
type RequestID gin.HandlerFunc

func NewRequestID() RequestID {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(c.Request.Context(), ctxkey.RequestID, id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetRequestID returns the correlation id set by RequestID, empty when
// the middleware did not run.
func GetRequestID(c *gin.Context) string {
	id, _ := c.Request.Context().Value(ctxkey.RequestID).(string)
	return id
}
