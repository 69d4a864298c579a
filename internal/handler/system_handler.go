package handler

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/service"
)

// SystemHandler serves the operator-facing status surface.
type SystemHandler struct {
	pool      *service.GPUPool
	queue     service.WorkQueue
	scheduler *service.Scheduler
}

func NewSystemHandler(pool *service.GPUPool, queue service.WorkQueue, scheduler *service.Scheduler) *SystemHandler {
	return &SystemHandler{pool: pool, queue: queue, scheduler: scheduler}
}

// Status handles GET /v1/system/status: host and process vitals plus the
// gateway's own gauges. Probe failures degrade to partial output rather
// than failing the whole report.
func (h *SystemHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	reqLog := requestLogger(c, "handler.system.status")

	host := gin.H{}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		host["cpu_percent"] = percents[0]
	} else if err != nil {
		reqLog.Warn("system.cpu_probe_failed", zap.Error(err))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		host["memory_total_bytes"] = vm.Total
		host["memory_used_bytes"] = vm.Used
		host["memory_percent"] = vm.UsedPercent
	} else {
		reqLog.Warn("system.mem_probe_failed", zap.Error(err))
	}

	proc := gin.H{"goroutines": runtime.NumGoroutine()}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := p.MemoryInfoWithContext(ctx); err == nil {
			proc["rss_bytes"] = info.RSS
		}
	}

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		reqLog.Warn("system.queue_depth_failed", zap.Error(err))
		depth = -1
	}
	devices := h.pool.Snapshot()

	c.JSON(http.StatusOK, gin.H{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"host":      host,
		"process":   proc,
		"gateway": gin.H{
			"queue_depth":  depth,
			"running_jobs": h.scheduler.RunningJobs(),
			"devices":      len(devices),
		},
	})
}

// GPUs handles GET /v1/system/gpus: the pool snapshot plus aggregates.
func (h *SystemHandler) GPUs(c *gin.Context) {
	devices := h.pool.Snapshot()

	var totalGB, usedGB int64
	leases := 0
	for _, d := range devices {
		totalGB += d.TotalGB
		usedGB += d.UsedGB
		leases += d.Leases
	}

	c.JSON(http.StatusOK, gin.H{
		"devices":  devices,
		"total_gb": totalGB,
		"used_gb":  usedGB,
		"free_gb":  totalGB - usedGB,
		"leases":   leases,
	})
}
