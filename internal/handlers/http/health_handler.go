package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"podlive/internal/infrastructure/monitoring"
)

type HealthHandler struct {
	checker   *monitoring.HealthChecker
	startTime time.Time
	timeout   time.Duration
}

func NewHealthHandler(checker *monitoring.HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker, startTime: time.Now(), timeout: 2 * time.Second}
}

// SetupRoutes registers /health and /ready, plus /metrics when gatherer
// is non-nil.
func (h *HealthHandler) SetupRoutes(router gin.IRouter, gatherer prometheus.Gatherer) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    monitoring.StatusHealthy,
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).String(),
	})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
