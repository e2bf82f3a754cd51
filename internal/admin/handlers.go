package admin

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// CacheFlusher is the subset of internal/cache.Cache the admin API
// needs. Defined at the point of use so this package does not import
// internal/cache.
type CacheFlusher interface {
	FlushAll()
	Len() int
	Capacity() int
}

// HealthChecker is the subset of internal/store.Store the admin API
// needs, defined at the point of use for the same reason.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// MetricsSnapshotFunc returns the current metrics snapshot as a
// JSON-marshalable value. A plain func (rather than an interface) lets
// the caller adapt internal/metrics.Registry.Snapshot without this
// package importing internal/metrics for the concrete return type.
type MetricsSnapshotFunc func() any

type handler struct {
	cache       CacheFlusher
	store       HealthChecker
	metrics     MetricsSnapshotFunc
	promHandler http.Handler
	startTime   time.Time
}

func (h *handler) health(c *gin.Context) {
	if h.store != nil {
		if err := h.store.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *handler) metricsSnapshot(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.metrics())
}

func (h *handler) cacheStatus(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusOK, CacheStatusResponse{})
		return
	}
	c.JSON(http.StatusOK, CacheStatusResponse{Entries: h.cache.Len(), Capacity: h.cache.Capacity()})
}

func (h *handler) flushCache(c *gin.Context) {
	if h.cache != nil {
		h.cache.FlushAll()
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "flushed"})
}

func (h *handler) systemStats(c *gin.Context) {
	resp := SystemStatsResponse{
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		NumGoroutine:  runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory = MemoryStats{
			TotalMB:     float64(vm.Total) / (1024 * 1024),
			UsedMB:      float64(vm.Used) / (1024 * 1024),
			UsedPercent: vm.UsedPercent,
		}
	}

	if percents, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(percents) > 0 {
		resp.CPU = CPUStats{
			NumCPU:      runtime.NumCPU(),
			UsedPercent: percents[0],
		}
	} else {
		resp.CPU.NumCPU = runtime.NumCPU()
	}

	c.JSON(http.StatusOK, resp)
}
