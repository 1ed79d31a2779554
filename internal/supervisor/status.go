package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
	"github.com/teresa-solution/integration-isolation-service/internal/sandbox"
)

// Status is a point-in-time view of a worker. Resource figures are best
// effort and stay nil when the process cannot be inspected. Remote is set
// when another instance holds the worker's lease.
type Status struct {
	ProcessName   string   `json:"process_name"`
	State         State    `json:"state"`
	Running       bool     `json:"running"`
	Remote        bool     `json:"remote,omitempty"`
	PID           *int     `json:"pid,omitempty"`
	CPUPercent    *float64 `json:"cpu_percent,omitempty"`
	MemoryMB      *float64 `json:"memory_mb,omitempty"`
	UptimeSeconds *float64 `json:"uptime_seconds,omitempty"`
}

// Status reports whether the integration's worker is alive and what it uses
func (s *Supervisor) Status(ctx context.Context, integration *model.Integration) Status {
	name := integration.ProcessName()
	st := Status{ProcessName: name, State: StateStopped, PID: integration.WorkerPID}

	h := s.lookup(name)
	if h == nil {
		holder, err := s.cfg.Leases.Holder(ctx, name)
		if err != nil {
			log.Warn().Err(err).Str("process_name", name).Msg("Failed to look up worker lease")
		}
		st.Remote = holder != ""
		return st
	}
	pid := h.PID
	st.PID = &pid
	st.State = h.State()
	if h.Exited() {
		st.State = StateCrashed
		return st
	}
	st.Running = true

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// vanished between the check and the inspection
		return st
	}
	if cpu, err := proc.PercentWithContext(ctx, 100*time.Millisecond); err == nil {
		st.CPUPercent = &cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		mb := float64(mem.RSS) / (1024 * 1024)
		st.MemoryMB = &mb
	}
	if created, err := proc.CreateTimeWithContext(ctx); err == nil {
		uptime := time.Since(time.UnixMilli(created)).Seconds()
		st.UptimeSeconds = &uptime
	}
	return st
}

func processHasIdentity(ctx context.Context, pid int, name string) bool {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	environ, err := proc.EnvironWithContext(ctx)
	if err != nil {
		return false
	}
	want := sandbox.ProcessNameEnv + "=" + name
	for _, kv := range environ {
		if strings.TrimSpace(kv) == want {
			return true
		}
	}
	return false
}
