package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is a point-in-time reading of local machine utilization.
type HostStats struct {
	CPUPercent    float64
	MemoryPercent float64
}

// ReadHostStats samples host CPU and memory utilization. CPU is read
// without a sampling interval so the call returns immediately (the
// first reading after process start can be zero).
func ReadHostStats(ctx context.Context) (HostStats, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostStats{}, fmt.Errorf("metrics: read cpu: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostStats{}, fmt.Errorf("metrics: read memory: %w", err)
	}

	return HostStats{CPUPercent: cpuPct, MemoryPercent: vm.UsedPercent}, nil
}
