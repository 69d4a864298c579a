//go:build wireinject
// +build wireinject

package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/handler"
	"github.com/helixflow/helixgate/internal/pkg/logger"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
	"github.com/helixflow/helixgate/internal/repository"
	"github.com/helixflow/helixgate/internal/server"
	"github.com/helixflow/helixgate/internal/server/middleware"
	"github.com/helixflow/helixgate/internal/service"
)

// Application bundles what main drives directly: the HTTP server, the
// background workers, and the cleanup chain for everything else the
// graph started. The injector's own cleanup closes the stores.
type Application struct {
	Config    *config.Config
	Server    *http.Server
	Scheduler *service.Scheduler
	Janitor   *service.Janitor
	Hooks     service.JobHooks
	Cleanup   func()
}

func initializeApplication(configPath string) (*Application, func(), error) {
	wire.Build(
		// Infrastructure layer ProviderSets
		config.ProviderSet,
		repository.ProviderSet,
		metrics.ProviderSet,

		// Business layer ProviderSets
		service.ProviderSet,
		middleware.ProviderSet,
		handler.ProviderSet,

		// Server layer ProviderSet
		server.ProviderSet,

		// Cleanup function provider
		provideCleanup,

		// Application struct
		wire.Struct(new(Application), "*"),
	)
	return nil, nil, nil
}

func provideCleanup(
	usage *service.UsageService,
	rbac *service.RBACService,
) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		type cleanupStep struct {
			name string
			fn   func() error
		}

		// Application-layer steps run in parallel. The scheduler and the
		// janitor are main's to stop, and the stores close afterwards
		// through the injector cleanup, so the usage flush still has a
		// live store here.
		parallelSteps := []cleanupStep{
			{"UsageService", func() error {
				if usage != nil {
					usage.Stop()
				}
				return nil
			}},
			{"RBACService", func() error {
				if rbac != nil {
					rbac.Close()
				}
				return nil
			}},
		}

		runParallel := func(steps []cleanupStep) {
			var wg sync.WaitGroup
			for i := range steps {
				step := steps[i]
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := step.fn(); err != nil {
						logger.L().Warn("cleanup.step_failed",
							zap.String("step", step.name), zap.Error(err))
						return
					}
					logger.L().Debug("cleanup.step_done", zap.String("step", step.name))
				}()
			}
			wg.Wait()
		}

		runParallel(parallelSteps)

		select {
		case <-ctx.Done():
			logger.L().Warn("cleanup.timed_out", zap.Duration("after", 10*time.Second))
		default:
			logger.L().Info("cleanup.done")
		}
	}
}
