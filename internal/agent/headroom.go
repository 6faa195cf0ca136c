package agent

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostHeadroom samples this host's current CPU and memory utilization. The
// agent consults it before POLLing again: a host already saturated backs
// its poll loop off rather than claiming another entry it cannot run well.
// This is a soft self-throttle, not the resource enforcement the sandbox
// host is responsible for.
func HostHeadroom() (cpuPercent, memPercent float64) {
	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	}
	if v, err := mem.VirtualMemory(); err == nil {
		memPercent = v.UsedPercent
	}
	return cpuPercent, memPercent
}

// Saturated reports whether the host is too loaded to take on more work
// under the given thresholds.
func Saturated(cpuPercent, memPercent, cpuThreshold, memThreshold float64) bool {
	return cpuPercent >= cpuThreshold || memPercent >= memThreshold
}
