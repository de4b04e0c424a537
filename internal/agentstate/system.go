package agentstate

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector samples the host with gopsutil. Free memory is the
// available byte count, which includes reclaimable cache.
type SystemCollector struct{}

func (SystemCollector) Collect(ctx context.Context) (SystemInfo, error) {
	// Interval 0 compares against the previous call, so the first sample after
	// start may be 0; the sampling loop runs every second anyway.
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return SystemInfo{}, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemInfo{}, fmt.Errorf("virtual memory: %w", err)
	}
	info := SystemInfo{FreeMemory: float64(vm.Available)}
	if len(pcts) > 0 {
		info.CPUUsedPercent = pcts[0]
	}
	return info, nil
}
