package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
	"github.com/helixflow/helixgate/internal/repository"
	"github.com/helixflow/helixgate/internal/service"
)

type janitorEnv struct {
	registry *service.JobRegistry
	pool     *service.GPUPool
	queue    *repository.MemoryQueue
	sink     *recordingSink
	janitor  *service.Janitor
}

func newJanitorEnv(t *testing.T, jobTTL, grace time.Duration) *janitorEnv {
	t.Helper()
	sharing := true
	cfg := &config.Config{
		Registry: config.RegistryConfig{JobTTL: jobTTL},
		GPUPool: config.GPUPoolConfig{
			Devices: []config.GPUDeviceConfig{{ID: "gpu-0", MemoryGB: 24}},
			Sharing: &sharing,
		},
		Janitor: config.JanitorConfig{LeaseGrace: grace},
	}
	store := repository.NewMemoryStore()
	sink := newRecordingSink()
	registry := service.NewJobRegistry(cfg, store)
	pool := service.NewGPUPool(cfg, sink)
	queue := repository.NewMemoryQueue(10)
	return &janitorEnv{
		registry: registry,
		pool:     pool,
		queue:    queue,
		sink:     sink,
		janitor:  service.NewJanitor(cfg, pool, registry, queue, sink),
	}
}

func TestJanitorReclaimsTerminalLease(t *testing.T) {
	env := newJanitorEnv(t, 0, -1)
	ctx := context.Background()

	job := queuedJob("u-1")
	require.NoError(t, env.registry.Create(ctx, job))
	lease, ok := env.pool.TryAllocate(job.Model, job.ID)
	require.True(t, ok)

	// The worker died before releasing; the record went terminal.
	_, err := env.registry.Cancel(ctx, job.ID)
	require.NoError(t, err)

	require.Equal(t, 1, env.janitor.Sweep(ctx))
	require.Empty(t, env.pool.ActiveLeases())
	require.Equal(t, float64(1),
		env.sink.value(metrics.MetricJanitorReclaimed, metrics.Labels{"gpu": lease.GPUID}))
}

func TestJanitorLeavesLiveJobsAlone(t *testing.T) {
	env := newJanitorEnv(t, 0, -1)
	ctx := context.Background()

	job := queuedJob("u-1")
	require.NoError(t, env.registry.Create(ctx, job))
	_, ok := env.pool.TryAllocate(job.Model, job.ID)
	require.True(t, ok)
	_, err := env.registry.MarkRunning(ctx, job.ID, "gpu-0")
	require.NoError(t, err)

	require.Zero(t, env.janitor.Sweep(ctx))
	require.Len(t, env.pool.ActiveLeases(), 1)
}

func TestJanitorReclaimsExpiredRecord(t *testing.T) {
	env := newJanitorEnv(t, 20*time.Millisecond, -1)
	ctx := context.Background()

	job := queuedJob("u-1")
	require.NoError(t, env.registry.Create(ctx, job))
	_, ok := env.pool.TryAllocate(job.Model, job.ID)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, 1, env.janitor.Sweep(ctx))
	require.Empty(t, env.pool.ActiveLeases())
}

func TestJanitorHonorsLeaseGrace(t *testing.T) {
	env := newJanitorEnv(t, 20*time.Millisecond, time.Minute)
	ctx := context.Background()

	job := queuedJob("u-1")
	require.NoError(t, env.registry.Create(ctx, job))
	_, ok := env.pool.TryAllocate(job.Model, job.ID)
	require.True(t, ok)

	// Record expired but the lease is younger than the grace window.
	time.Sleep(40 * time.Millisecond)
	require.Zero(t, env.janitor.Sweep(ctx))
	require.Len(t, env.pool.ActiveLeases(), 1)
}

func TestJanitorQueueDepthGauge(t *testing.T) {
	env := newJanitorEnv(t, 0, -1)
	ctx := context.Background()

	require.NoError(t, env.queue.Push(ctx, "a"))
	require.NoError(t, env.queue.Push(ctx, "b"))

	env.janitor.Sweep(ctx)
	require.Equal(t, float64(2), env.sink.value(metrics.MetricQueueDepth, nil))
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	cfg := &config.Config{Janitor: config.JanitorConfig{Schedule: "every minute"}}
	j := service.NewJanitor(cfg,
		service.NewGPUPool(cfg, nil),
		service.NewJobRegistry(cfg, repository.NewMemoryStore()),
		repository.NewMemoryQueue(1), nil)
	require.Error(t, j.Start())
}

func TestJanitorStartStop(t *testing.T) {
	env := newJanitorEnv(t, 0, -1)
	require.NoError(t, env.janitor.Start())
	env.janitor.Stop()
}
