package monitoring

import (
	"net/http"
	"time"

	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"

	"github.com/gin-gonic/gin"
)

type HealthChecker struct {
	workers ports.WorkerRepository
	node    domain.NodeInfo
	started time.Time
}

func NewHealthChecker(workers ports.WorkerRepository, node domain.NodeInfo) *HealthChecker {
	return &HealthChecker{
		workers: workers,
		node:    node,
		started: time.Now(),
	}
}

// Handler reports this node's worker fleet. The node is degraded when any
// local worker is marked dead, unhealthy when none are alive.
func (h *HealthChecker) Handler(c *gin.Context) {
	workers, err := h.workers.ListByAddress(c.Request.Context(), h.node.Host, h.node.APIPort)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	alive := 0
	for _, worker := range workers {
		if worker.Alive {
			alive++
		}
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case alive == 0:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case alive < len(workers):
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"status":         status,
		"instance_id":    h.node.InstanceID,
		"workers":        len(workers),
		"workers_alive":  alive,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}
