package middleware

import (
	"github.com/gin-gonic/gin"

	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
)

// abortWithError writes the client error shape and stops the chain.
// Every non-2xx body the gateway emits is {"error":{type,message,code}}.
func abortWithError(c *gin.Context, err error) {
	e := infraerrors.FromError(err)
	c.AbortWithStatusJSON(int(e.Status.Code), gin.H{
		"error": gin.H{
			"type":    infraerrors.TypeOf(e),
			"message": e.Status.Message,
			"code":    infraerrors.ExternalCode(e),
		},
	})
}
