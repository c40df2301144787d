// Resource introspection: a host-wide snapshot (SystemResources) and a
// per-process-group snapshot (GroupStatus), the CPU/memory/process-status
// counterpart to the PID bookkeeping in supervisor.go. Grounded on the
// same gopsutil process inspection this package already uses for orphan
// reaping, extended to the cpu/mem/disk packages for host-level figures.
package supervisor

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemResources is a point-in-time host resource sample.
type SystemResources struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryAvailMB float64
	DiskPercent   float64
	DiskFreeMB    float64
}

// ReadSystemResources samples host-wide CPU, memory, and disk usage. Any
// individual sample that fails is left at its zero value rather than
// aborting the whole read.
func ReadSystemResources() SystemResources {
	var r SystemResources

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		r.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemoryPercent = vm.UsedPercent
		r.MemoryAvailMB = float64(vm.Available) / (1024 * 1024)
	}
	if du, err := disk.Usage("/"); err == nil {
		r.DiskPercent = du.UsedPercent
		r.DiskFreeMB = float64(du.Free) / (1024 * 1024)
	}
	return r
}

// ProcessStatus is one generator process's resource sample within a group.
type ProcessStatus struct {
	PID        int
	Status     string
	CPUPercent float64
	MemoryMB   float64
}

// GroupStatus reports live status/CPU/memory for every PID still alive in
// pg. A PID that has already exited is silently omitted rather than
// reported as an error, since the group's own Wait/Teardown path is the
// authority on exit state.
func GroupStatus(pg *ProcessGroup) []ProcessStatus {
	pids := pg.AllPIDs()
	out := make([]ProcessStatus, 0, len(pids))
	for _, pid := range pids {
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		st := ProcessStatus{PID: pid}
		if statuses, err := p.Status(); err == nil && len(statuses) > 0 {
			st.Status = statuses[0]
		}
		if pct, err := p.CPUPercent(); err == nil {
			st.CPUPercent = pct
		}
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			st.MemoryMB = float64(mi.RSS) / (1024 * 1024)
		}
		out = append(out, st)
	}
	return out
}
