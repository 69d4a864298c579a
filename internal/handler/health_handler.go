package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/helixflow/helixgate/internal/service"
)

// HealthHandler answers liveness probes. The report stays 200 as long as
// the process serves; component states ride alongside so a degraded
// store is visible without failing the probe.
type HealthHandler struct {
	store service.KVStore
	queue service.WorkQueue
	pool  *service.GPUPool
}

func NewHealthHandler(store service.KVStore, queue service.WorkQueue, pool *service.GPUPool) *HealthHandler {
	return &HealthHandler{store: store, queue: queue, pool: pool}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	components := gin.H{}
	if err := h.store.Ping(ctx); err != nil {
		components["store"] = gin.H{"status": "unhealthy", "error": err.Error()}
	} else {
		components["store"] = gin.H{"status": "healthy"}
	}

	if depth, err := h.queue.Depth(ctx); err != nil {
		components["queue"] = gin.H{"status": "unhealthy", "error": err.Error()}
	} else {
		components["queue"] = gin.H{"status": "healthy", "depth": depth}
	}

	devices := h.pool.Snapshot()
	free := int64(0)
	for _, d := range devices {
		free += d.FreeGB
	}
	components["gpu_pool"] = gin.H{"status": "healthy", "devices": len(devices), "free_gb": free}

	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"service":    "helixgate",
		"components": components,
	})
}
