package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   string            `json:"timestamp"`
	Services    map[string]string `json:"services"`
	ActiveCalls int               `json:"active_calls"`
	FreePorts   int               `json:"free_ports"`
}

func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{
		"api":   "healthy",
		"pbx":   "unknown",
		"redis": "unknown",
	}

	// Check Redis connection
	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		services["redis"] = "unhealthy"
	} else {
		services["redis"] = "healthy"
	}

	// Check PBX control plane
	if err := h.ariClient.Connect(ctx); err != nil {
		services["pbx"] = "unhealthy"
	} else {
		services["pbx"] = "healthy"
	}

	overallStatus := "healthy"
	for _, status := range services {
		if status == "unhealthy" {
			overallStatus = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:      overallStatus,
		Timestamp:   time.Now().Format(time.RFC3339),
		Services:    services,
		ActiveCalls: h.registry.Len(),
		FreePorts:   h.ports.Available(),
	})
}
