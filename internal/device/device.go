// Package device describes the host a miner runs on.
package device

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/bardlex/quarry/internal/wire"
)

const (
	unknownOS  = "Unknown OS"
	unknownCPU = "Unknown CPU"
	gib        = 1 << 30
)

// Describe gathers the OS, CPU model and installed RAM. Facts that cannot
// be read are reported as unknown rather than failing.
func Describe(ctx context.Context) wire.DeviceDescriptor {
	d := wire.DeviceDescriptor{OS: unknownOS, CPUModel: unknownCPU}

	if info, err := host.InfoWithContext(ctx); err == nil {
		d.OS = osName(info.Platform, info.PlatformVersion, info.OS)
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		if model := strings.TrimSpace(cpus[0].ModelName); model != "" {
			d.CPUModel = model
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		d.RAMCapacityGB = vm.Total / gib
	}
	return d
}

// LogicalCores returns the number of logical CPUs, or 1 if unknown.
func LogicalCores(ctx context.Context) int {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func osName(platform, version, family string) string {
	name := strings.TrimSpace(strings.Join([]string{platform, version}, " "))
	if name == "" {
		name = strings.TrimSpace(family)
	}
	if name == "" {
		return unknownOS
	}
	return name
}

// Usage is a point-in-time sample of host load.
type Usage struct {
	CPUPercent    float64
	MemoryPercent float64
}

// SampleUsage measures CPU load over interval and current memory use.
func SampleUsage(ctx context.Context, interval time.Duration) (Usage, error) {
	var u Usage
	pct, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return u, err
	}
	if len(pct) > 0 {
		u.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, err
	}
	u.MemoryPercent = vm.UsedPercent
	return u, nil
}
