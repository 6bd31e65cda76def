package metrics

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dreamware/hive/internal/cluster"
)

// cpuUnitsPerCore matches the cluster capacity model.
const cpuUnitsPerCore = 100

// ProbeCapacity reads logical cores, memory and instantaneous CPU load from
// the host. Bandwidth cannot be probed and is left at zero.
func ProbeCapacity() (cluster.Capacity, error) {
	cores, err := cpu.Counts(true)
	if err != nil {
		return cluster.Capacity{}, fmt.Errorf("probe cpu count: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return cluster.Capacity{}, fmt.Errorf("probe memory: %w", err)
	}
	load := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		load = pct[0] / 100
	}
	return cluster.Capacity{
		CPU:         float64(cores * cpuUnitsPerCore),
		Memory:      float64(vm.Total / (1024 * 1024)),
		CurrentLoad: load,
	}, nil
}

// LoadProbe returns the current CPU utilisation in [0,1] or an error.
func LoadProbe() (float64, error) {
	pct, err := cpu.Percent(0, false)
	if err != nil {
		return 0, fmt.Errorf("probe cpu load: %w", err)
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return pct[0] / 100, nil
}
