package service

import (
	"github.com/google/wire"

	"github.com/helixflow/helixgate/internal/domain"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
)

// NewTierRBAC builds the RBAC service on the built-in tier role set.
func NewTierRBAC() (*RBACService, error) {
	return NewRBACService(domain.BuiltinRoles())
}

// JobHooks marks registry hook registration in the object graph;
// assembling an Application depends on it so accounting is live before
// any transition can fire.
type JobHooks struct{}

// RegisterJobHooks points terminal transitions at usage accounting and
// the jobs_total counter. Every transition this instance performs flows
// through here exactly once, whether a worker or a cancel handler drove
// it.
func RegisterJobHooks(registry *JobRegistry, usage *UsageService, sink metrics.Sink) JobHooks {
	if sink == nil {
		sink = metrics.NewNop()
	}
	registry.OnTerminal(func(job *domain.Job) {
		usage.Record(job)
		sink.IncCounter(metrics.MetricJobsTotal, metrics.Labels{
			"state": string(job.State),
			"model": job.Model,
		})
	})
	return JobHooks{}
}

var ProviderSet = wire.NewSet(
	NewTokenService,
	NewTierRBAC,
	NewRateLimiter,
	NewJobRegistry,
	NewGPUPool,
	NewScheduler,
	NewModelCatalog,
	NewUsageService,
	NewJanitor,
	RegisterJobHooks,
)
