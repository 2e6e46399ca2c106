package infra

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

// HostInspectorImpl implements domain.HostInspector using gopsutil.
type HostInspectorImpl struct {
	pid int32
}

// NewHostInspector inspects the machine and the current process.
func NewHostInspector() *HostInspectorImpl {
	return &HostInspectorImpl{pid: int32(os.Getpid())}
}

// Facts gathers host info and this process's resident memory.
// Process stats are best effort; host info errors are returned.
func (h *HostInspectorImpl) Facts(ctx context.Context) (domain.HostFacts, error) {
	facts := domain.HostFacts{Arch: runtime.GOARCH}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return facts, err
	}
	facts.Hostname = info.Hostname
	facts.OS = info.OS
	facts.Platform = info.Platform
	facts.PlatformVersion = info.PlatformVersion
	facts.KernelVersion = info.KernelVersion
	facts.UptimeSeconds = info.Uptime
	if info.KernelArch != "" {
		facts.Arch = info.KernelArch
	}

	if p, err := process.NewProcessWithContext(ctx, h.pid); err == nil {
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			facts.ProcessRSS = mem.RSS
		}
	}
	return facts, nil
}

var _ domain.HostInspector = (*HostInspectorImpl)(nil)
