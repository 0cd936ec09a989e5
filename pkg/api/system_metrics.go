package api

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type systemMetrics struct {
	CPUPercent float64
	MemUsed    uint64
	MemTotal   uint64
	MemPercent float64
}

// collectSystemMetrics samples resource usage of this process. CPU needs a
// short sampling window, so callers should expect this to take ~100ms.
func collectSystemMetrics(ctx context.Context) systemMetrics {
	var metrics systemMetrics

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		// Process CPU is reported per core; normalize to 0-100%.
		if cpuPercent, err := proc.PercentWithContext(ctx, 100*time.Millisecond); err == nil {
			if numCPU := runtime.NumCPU(); numCPU > 0 {
				metrics.CPUPercent = cpuPercent / float64(numCPU)
			} else {
				metrics.CPUPercent = cpuPercent
			}
		} else if percents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(percents) > 0 {
			metrics.CPUPercent = percents[0]
		}

		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
			metrics.MemUsed = memInfo.RSS
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.MemTotal = vm.Total
		if metrics.MemTotal > 0 && metrics.MemUsed > 0 {
			metrics.MemPercent = (float64(metrics.MemUsed) / float64(metrics.MemTotal)) * 100
		}
	}

	return metrics
}
