package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/pkg/ip"
	"github.com/helixflow/helixgate/internal/pkg/logger"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
)

// AccessLog writes one structured line per request and feeds the request
// counter and latency histogram.
type AccessLog gin.HandlerFunc

func NewAccessLog(sink metrics.Sink) AccessLog {
	if sink == nil {
		sink = metrics.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = path
		}

		fields := []zap.Field{
			zap.String("request_id", GetRequestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.String("client_ip", ip.GetClientIP(c)),
			zap.Int("bytes", c.Writer.Size()),
		}
		if p, ok := GetPrincipalFromContext(c); ok {
			fields = append(fields, zap.String("principal", p.ID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.L().Error("http.request", fields...)
		case status >= 400:
			logger.L().Warn("http.request", fields...)
		default:
			logger.L().Info("http.request", fields...)
		}

		labels := metrics.Labels{
			"route":  route,
			"method": c.Request.Method,
			"status": statusClass(status),
		}
		sink.IncCounter(metrics.MetricRequestsTotal, labels)
		sink.ObserveHistogram(metrics.MetricRequestDuration, elapsed.Seconds(),
			metrics.Labels{"route": route})
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
