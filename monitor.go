package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemStats is a snapshot of the host and of this process.
type SystemStats struct {
	CPULoad     float64 `json:"cpu_load"`
	RAMUsedMB   float64 `json:"ram_used_mb"`
	RAMTotalMB  float64 `json:"ram_total_mb"`
	AppRAMMB    float64 `json:"app_ram_mb"`
	DiskUsedGB  float64 `json:"disk_used_gb"`
	DiskTotalGB float64 `json:"disk_total_gb"`
}

// CollectStats reads CPU, memory and disk usage. A failing probe is logged
// and leaves its fields at zero; the rest of the snapshot is still returned.
func CollectStats(logger *slog.Logger) SystemStats {
	var stats SystemStats

	// 0 interval compares against the previous call instead of sleeping,
	// so the health endpoint answers immediately.
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		stats.CPULoad = percentages[0]
	} else if err != nil {
		logger.Warn("reading CPU stats failed", "error", err)
	}

	if vMem, err := mem.VirtualMemory(); err == nil {
		// Total - Available excludes the page cache Linux counts as used.
		stats.RAMUsedMB = float64(vMem.Total-vMem.Available) / 1024.0 / 1024.0
		stats.RAMTotalMB = float64(vMem.Total) / 1024.0 / 1024.0
	} else {
		logger.Warn("reading RAM stats failed", "error", err)
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			stats.AppRAMMB = float64(memInfo.RSS) / 1024.0 / 1024.0
		}
	}

	if dStat, err := disk.Usage("/"); err == nil {
		stats.DiskUsedGB = float64(dStat.Used) / 1024.0 / 1024.0 / 1024.0
		stats.DiskTotalGB = float64(dStat.Total) / 1024.0 / 1024.0 / 1024.0
	} else {
		logger.Warn("reading disk stats failed", "error", err)
	}

	return stats
}

// RegisterHealthRoutes adds the liveness probe and the system snapshot.
func RegisterHealthRoutes(mux *http.ServeMux, logger *slog.Logger) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /health/system", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(CollectStats(logger)); err != nil {
			logger.Error("writing system stats failed", "error", err)
		}
	})
}
