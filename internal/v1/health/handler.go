// Package health implements Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openfloor-dev/floor-manager/internal/v1/bus"
	"github.com/openfloor-dev/floor-manager/internal/v1/logging"
)

// Handler manages health check endpoints.
type Handler struct {
	redisService  *bus.Service
	manifestCount func() int // optional, reported by the directory service
}

// NewHandler creates a health check handler. redisService may be nil in
// single-instance mode.
func NewHandler(redisService *bus.Service) *Handler {
	return &Handler{redisService: redisService}
}

// WithManifestCount reports the directory's stored manifest count in
// readiness responses.
func (h *Handler) WithManifestCount(count func() int) *Handler {
	h.manifestCount = count
	return h
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks"`
	ManifestCount *int              `json:"manifest_count,omitempty"`
	Timestamp     string            `json:"timestamp"`
}

// Liveness handles GET /health/live.
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready.
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.manifestCount != nil {
		n := h.manifestCount()
		response.ManifestCount = &n
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING.
func (h *Handler) checkRedis(ctx context.Context) string {
	// Single-instance mode runs without Redis and is always healthy.
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
