package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/config"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/pkg/logger"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
)

// Janitor reconciles process-local state on a schedule: leases whose job
// record is terminal or gone are returned to the pool, waiter
// subscriptions for expired records are dropped, and the queue depth
// gauge refreshes. The pool is process-local, so every instance sweeps
// only its own leases.
type Janitor struct {
	pool     *GPUPool
	registry *JobRegistry
	queue    WorkQueue
	sink     metrics.Sink
	cron     *cron.Cron
	schedule string
	// grace spares young leases whose record reads as missing. The
	// record can expire right as a worker picks the job up; reclaiming
	// under a still-running backend would oversubscribe the device.
	grace time.Duration
}

func NewJanitor(cfg *config.Config, pool *GPUPool, registry *JobRegistry, queue WorkQueue, sink metrics.Sink) *Janitor {
	if sink == nil {
		sink = metrics.NewNop()
	}
	return &Janitor{
		pool:     pool,
		registry: registry,
		queue:    queue,
		sink:     sink,
		cron:     cron.New(),
		schedule: cfg.Janitor.ScheduleOrDefault(),
		grace:    cfg.Janitor.LeaseGraceOrDefault(),
	}
}

// Start registers the sweep and launches the cron scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, func() { j.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("janitor: schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	logger.L().Info("janitor.start", zap.String("schedule", j.schedule))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep runs one reconciliation pass and reports how many leases it
// reclaimed. Exported so shutdown and tests can run it on demand.
func (j *Janitor) Sweep(ctx context.Context) int {
	reclaimed := 0
	for _, lease := range j.pool.ActiveLeases() {
		job, err := j.registry.Get(ctx, lease.JobID)
		switch {
		case infraerrors.IsNotFound(err):
			if time.Since(lease.AcquiredAt) < j.grace {
				continue
			}
		case err != nil:
			// Store outage: never release leases on guesswork.
			logger.L().Warn("janitor.sweep_read_failed",
				zap.String("job_id", lease.JobID), zap.Error(err))
			continue
		case !job.State.Terminal():
			continue
		}

		j.pool.Release(lease.ID)
		reclaimed++
		j.sink.IncCounter(metrics.MetricJanitorReclaimed, metrics.Labels{"gpu": lease.GPUID})
		logger.L().Info("janitor.lease_reclaimed",
			zap.String("lease_id", lease.ID),
			zap.String("job_id", lease.JobID),
			zap.String("gpu", lease.GPUID),
			zap.Duration("held", time.Since(lease.AcquiredAt)))
	}

	if purged := j.registry.PurgeWaiters(ctx); purged > 0 {
		logger.L().Debug("janitor.waiters_purged", zap.Int("count", purged))
	}

	if depth, err := j.queue.Depth(ctx); err == nil {
		j.sink.SetGauge(metrics.MetricQueueDepth, float64(depth), nil)
	}
	return reclaimed
}
