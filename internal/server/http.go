// Package server assembles the gin engine and the http.Server around it.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/handler"
	"github.com/helixflow/helixgate/internal/pkg/logger"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
	"github.com/helixflow/helixgate/internal/server/middleware"
	"github.com/helixflow/helixgate/internal/server/routes"
	"github.com/helixflow/helixgate/internal/service"
)

// NewEngine builds the router: global middleware, the unauthenticated
// probes, and the /v1 API groups.
func NewEngine(
	cfg *config.Config,
	h *handler.Handlers,
	requestID middleware.RequestID,
	accessLog middleware.AccessLog,
	recovery middleware.Recovery,
	auth middleware.Auth,
	wsAuth middleware.WSAuth,
	optionalAuth middleware.OptionalAuth,
	rateLimit middleware.RateLimit,
	rbac *service.RBACService,
	sink *metrics.PromSink,
) *gin.Engine {
	gin.SetMode(cfg.Server.ModeOrDefault())

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.L().Warn("server.trusted_proxies_invalid", zap.Error(err))
	}

	// Order matters: the request id must exist before the access log
	// samples it, and recovery must wrap everything below it.
	engine.Use(
		gin.HandlerFunc(requestID),
		gin.HandlerFunc(accessLog),
		gin.HandlerFunc(recovery),
	)

	engine.GET("/health", h.Health.Health)
	if cfg.Metrics.EnabledOrDefault() {
		engine.GET(cfg.Metrics.PathOrDefault(), gin.WrapH(sink.Handler()))
	}

	v1 := engine.Group("/v1")
	routes.RegisterAuthRoutes(v1, h, auth)
	routes.RegisterModelRoutes(v1, h, optionalAuth)
	routes.RegisterChatRoutes(v1, h, auth, wsAuth, rateLimit, rbac)
	routes.RegisterJobRoutes(v1, h, auth)
	routes.RegisterSystemRoutes(v1, h, auth, rbac)

	return engine
}

// NewHTTPServer wraps the engine with the configured timeouts. The write
// timeout is left at its configured value (zero by default) because SSE
// and WebSocket responses are open-ended.
func NewHTTPServer(cfg *config.Config, engine *gin.Engine) *http.Server {
	return &http.Server{
		Addr:         cfg.Server.AddrOrDefault(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
