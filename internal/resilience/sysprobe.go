package resilience

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemProbe reports process-host CPU and memory pressure as a Probe,
// guarding against running the engine loop on a starved host.
type SystemProbe struct {
	MaxMemPercent float64
	MaxCPUPercent float64
}

func (SystemProbe) Name() string { return "system" }

func (p SystemProbe) Check() ProbeResult {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return ProbeResult{Healthy: false, Message: fmt.Sprintf("memory stats unavailable: %v", err)}
	}

	cpuPercents, err := cpu.Percent(0, false)
	if err != nil {
		return ProbeResult{Healthy: false, Message: fmt.Sprintf("cpu stats unavailable: %v", err)}
	}
	var cpuPct float64
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	details := map[string]interface{}{
		"mem_used_percent": vm.UsedPercent,
		"cpu_percent":      cpuPct,
	}

	if p.MaxMemPercent > 0 && vm.UsedPercent > p.MaxMemPercent {
		return ProbeResult{Healthy: false, Message: "memory usage above threshold", Details: details}
	}
	if p.MaxCPUPercent > 0 && cpuPct > p.MaxCPUPercent {
		return ProbeResult{Healthy: false, Message: "cpu usage above threshold", Details: details}
	}

	return ProbeResult{Healthy: true, Message: "ok", Details: details}
}
