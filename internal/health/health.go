// Package health reports process-level resource usage and per-account
// session status for the admin health surface, using gopsutil the same way
// the teacher's monitoring collectors do.
package health

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/resale-agent/internal/registry"
)

// ProcessStats is a point-in-time snapshot of this process's resource use.
type ProcessStats struct {
	MemoryRSSMB float64
	CPUPercent  float64
	Goroutines  int
	Uptime      time.Duration
}

// Reporter samples process stats. It is safe for concurrent use; gopsutil's
// process.Process handle is read-only after construction.
type Reporter struct {
	proc      *process.Process
	startedAt time.Time
}

// New opens a handle on the current process. If gopsutil cannot find it
// (unusual, but seen in some minimal containers), Snapshot falls back to
// system-wide memory stats instead of per-process RSS.
func New() (*Reporter, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &Reporter{startedAt: time.Now()}, err
	}
	return &Reporter{proc: proc, startedAt: time.Now()}, nil
}

// Snapshot samples current process stats. CPUPercent is measured over a
// zero-length interval, which gopsutil interprets as "since the last call";
// the first sample after New is therefore not meaningful.
func (r *Reporter) Snapshot() ProcessStats {
	stats := ProcessStats{
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(r.startedAt),
	}

	if r.proc != nil {
		if memInfo, err := r.proc.MemoryInfo(); err == nil {
			stats.MemoryRSSMB = float64(memInfo.RSS) / 1024 / 1024
		}
		if pct, err := r.proc.Percent(0); err == nil {
			stats.CPUPercent = pct
		}
	} else if vmem, err := mem.VirtualMemory(); err == nil {
		stats.MemoryRSSMB = float64(vmem.Used) / 1024 / 1024
	}

	return stats
}

// Report combines a process snapshot with the registry's per-account
// session states, the shape served by the admin status endpoint.
type Report struct {
	Process  ProcessStats
	Accounts map[string]string
}

// Build assembles a Report from a Reporter and a live Registry.
func Build(r *Reporter, reg *registry.Registry) Report {
	statuses := reg.Statuses()
	accounts := make(map[string]string, len(statuses))
	for id, st := range statuses {
		accounts[id] = st.String()
	}
	return Report{Process: r.Snapshot(), Accounts: accounts}
}
