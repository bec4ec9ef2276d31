package supervisor

import (
	"errors"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a point-in-time resource snapshot of a child process.
type Usage struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Usage samples memory and CPU of the live process.
func (p *Process) Usage() (Usage, error) {
	if p.State() == StateExited || p.PID() == 0 {
		return Usage{}, errors.New("process is not running")
	}
	proc, err := process.NewProcess(int32(p.PID()))
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	} else if err != nil {
		return Usage{}, err
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	return u, nil
}
