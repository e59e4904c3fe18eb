package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startTime = time.Now()

type MetricsResponse struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	ActiveCalls   int     `json:"active_calls"`
	FreePorts     int     `json:"free_ports"`
}

// GetMetrics is the human-friendly JSON summary; Prometheus scrapes the
// /metrics/prometheus endpoint instead.
func (h *Handler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, MetricsResponse{
		UptimeSeconds: time.Since(startTime).Seconds(),
		ActiveCalls:   h.registry.Len(),
		FreePorts:     h.ports.Available(),
	})
}

func (h *Handler) GetPrometheusMetrics(c *gin.Context) {
	promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
