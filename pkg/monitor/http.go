package monitor

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"finapi/pkg/apiclient"
)

// ErrorResponse 接口错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handler 监控 HTTP 接口
type Handler struct {
	m        *Monitor
	reg      *apiclient.Registry
	registry *prometheus.Registry
}

// NewHandler 创建 HTTP 接口，指标注册到独立的 prometheus.Registry
func NewHandler(m *Monitor, reg *apiclient.Registry) *Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(m))
	return &Handler{m: m, reg: reg, registry: registry}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/stats", h.stats)
		v1.GET("/health", h.providerHealth)
		v1.GET("/cache/stats", h.cacheStats)
		v1.POST("/cache/sweep", h.sweepCache)
	}
}

func (h *Handler) health(c *gin.Context) {
	status := "ok"
	for _, hs := range h.m.HealthStatus(c.Request.Context()) {
		if !hs.Healthy {
			status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now(),
	})
}

func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.m.AllStats(c.Request.Context()))
}

func (h *Handler) providerHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.m.HealthStatus(c.Request.Context()))
}

func (h *Handler) cacheStats(c *gin.Context) {
	st, err := h.reg.CacheStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "cache_error", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) sweepCache(c *gin.Context) {
	n, err := h.reg.ClearExpiredCache(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "cache_error", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}
