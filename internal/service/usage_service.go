package service

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/domain"
	"github.com/helixflow/helixgate/internal/pkg/logger"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
)

const (
	usageKeyPrefix    = "usage:"
	usageWriteTimeout = 5 * time.Second
)

// UsageService folds terminal jobs into per-principal daily counters.
// Writes ride a bounded worker pool so registry hooks never block on the
// store; a saturated pool degrades to an inline write instead of dropping
// the numbers. Accounting failures are logged, never surfaced.
type UsageService struct {
	store     KVStore
	sink      metrics.Sink
	pool      pond.Pool
	retention time.Duration
}

func NewUsageService(cfg *config.Config, store KVStore, sink metrics.Sink) *UsageService {
	if sink == nil {
		sink = metrics.NewNop()
	}
	return &UsageService{
		store: store,
		sink:  sink,
		pool: pond.NewPool(cfg.Usage.WorkersOrDefault(),
			pond.WithQueueSize(cfg.Usage.QueueSizeOrDefault()),
			pond.WithNonBlocking(true)),
		retention: cfg.Usage.RetentionOrDefault(),
	}
}

// Record accounts one terminal job. Safe to call from transition hooks;
// returns before the counters land.
func (u *UsageService) Record(job *domain.Job) {
	if job == nil || job.Owner == "" {
		return
	}
	snapshot := job.Clone()
	if err := u.pool.Go(func() { u.write(snapshot) }); err != nil {
		// Queue full or pool stopped. Writing inline keeps the numbers.
		u.sink.IncCounter(metrics.MetricUsageTasksTotal, metrics.Labels{"mode": "inline"})
		u.write(snapshot)
		return
	}
	u.sink.IncCounter(metrics.MetricUsageTasksTotal, metrics.Labels{"mode": "async"})
}

// Stop drains queued recordings.
func (u *UsageService) Stop() {
	u.pool.StopAndWait()
}

func (u *UsageService) write(job *domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("usage.record_panic",
				zap.String("job_id", job.ID), zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), usageWriteTimeout)
	defer cancel()

	day := usageDay(job)
	u.incr(ctx, job.Owner, day, "requests", 1)
	if job.Usage == nil {
		return
	}
	u.incr(ctx, job.Owner, day, "prompt_tokens", int64(job.Usage.PromptTokens))
	u.incr(ctx, job.Owner, day, "completion_tokens", int64(job.Usage.CompletionTokens))
	u.sink.AddCounter(metrics.MetricTokensTotal, float64(job.Usage.TotalTokens),
		metrics.Labels{"model": job.Model})
}

func (u *UsageService) incr(ctx context.Context, owner, day, field string, n int64) {
	if n <= 0 {
		return
	}
	key := fmt.Sprintf("%s%s:%s:%s", usageKeyPrefix, owner, day, field)
	if _, err := u.store.IncrBy(ctx, key, n, u.retention); err != nil {
		logger.L().Warn("usage.record_failed", zap.String("key", key), zap.Error(err))
	}
}

// usageDay buckets a job by its finish time, falling back to the clock
// for records that never got one.
func usageDay(job *domain.Job) string {
	ts := time.Now()
	if job.FinishedAt != nil {
		ts = *job.FinishedAt
	}
	return ts.UTC().Format("20060102")
}
