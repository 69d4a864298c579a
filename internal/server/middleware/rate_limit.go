package middleware

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"

	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/service"
)

// RateLimit enforces the per-tier request budget. It runs after Auth and
// stamps X-RateLimit-* headers on every limited response; bypassed
// principals get no headers at all.
type RateLimit gin.HandlerFunc

func NewRateLimit(limiter *service.RateLimiter) RateLimit {
	return func(c *gin.Context) {
		principal, ok := GetPrincipalFromContext(c)
		if !ok {
			abortWithError(c, infraerrors.Unauthorized("AUTH_HEADER_INVALID",
				"missing Authorization header"))
			return
		}

		decision, err := limiter.Check(c.Request.Context(), principal)
		if err != nil {
			// Counter failure on a billable route fails closed.
			abortWithError(c, err)
			return
		}
		if decision.Unlimited {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

		if !decision.Allowed {
			h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision)))
			abortWithError(c, infraerrors.TooManyRequests("RATE_LIMITED",
				"rate limit exceeded, retry later"))
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(d *service.Decision) int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
