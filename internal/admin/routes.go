package admin

import (
	"github.com/gin-gonic/gin"
)

func registerRoutes(r *gin.Engine, h *handler, apiKey string) {
	r.GET("/health", h.health)
	if h.promHandler != nil {
		r.GET("/metrics", gin.WrapH(h.promHandler))
	}

	api := r.Group("/api/v1")
	if apiKey != "" {
		api.Use(requireAPIKey(apiKey))
	}

	api.GET("/metrics", h.metricsSnapshot)
	api.GET("/cache", h.cacheStatus)
	api.POST("/cache/flush", h.flushCache)
	api.GET("/system", h.systemStats)
}
