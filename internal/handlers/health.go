package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"tutorlive/internal/health"
	"tutorlive/internal/services"
)

// HealthHandler reports service health plus the live numbers an operator
// actually looks at first: connections, cache pressure, and latency.
type HealthHandler struct {
	connManager     *services.ConnectionManager
	cache           *services.SessionCache
	metrics         *services.Metrics
	tracker         *health.Tracker
	latencyP95Limit time.Duration
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(connManager *services.ConnectionManager, cache *services.SessionCache, metrics *services.Metrics, tracker *health.Tracker, latencyP95Limit time.Duration) *HealthHandler {
	return &HealthHandler{
		connManager:     connManager,
		cache:           cache,
		metrics:         metrics,
		tracker:         tracker,
		latencyP95Limit: latencyP95Limit,
	}
}

// Handle responds with server health status. The service reports
// degraded when a dependency is unhealthy or any operation's p95 crosses
// the configured threshold.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	status := "healthy"

	percentiles := h.metrics.OperationPercentiles()
	for _, p := range percentiles {
		if p.P95 > h.latencyP95Limit.Seconds() {
			status = "degraded"
			break
		}
	}

	dependencies := h.tracker.All()
	for _, dep := range dependencies {
		if dep.Status == health.StatusUnhealthy {
			status = "degraded"
			break
		}
	}

	return c.JSON(fiber.Map{
		"status":       status,
		"connections":  h.connManager.Count(),
		"unique_users": h.connManager.UniqueUsers(),
		"cache": fiber.Map{
			"occupancy": h.cache.Occupancy(),
			"capacity":  h.cache.Capacity(),
		},
		"latency":      percentiles,
		"dependencies": dependencies,
		"timestamp":    time.Now().Format(time.RFC3339),
	})
}
