// Package cgroup manages a guest container's cgroup v2 hierarchy, mounted
// at /sys/fs/cgroup/<id>, through the real cgroup v2 client library rather
// than hand-rolled file writes.
package cgroup

import (
	"os"
	"path/filepath"
	"strings"

	cgroup2 "github.com/containerd/cgroups/v3/cgroup2"
	cgroupstats "github.com/containerd/cgroups/v3/cgroup2/stats"

	"github.com/nanovisor/nanovisor/internal/failure"
)

const unifiedMountpoint = "/sys/fs/cgroup"

// Manager wraps a single container's cgroup2.Manager, scoped to
// /sys/fs/cgroup/<containerID>.
type Manager struct {
	path string
	mgr  *cgroup2.Manager
}

// Create makes (mkdir -p semantics, via the library) the container's
// cgroup directory under the unified hierarchy.
func Create(containerID string, perms os.FileMode) (*Manager, error) {
	group := "/" + containerID
	if err := os.MkdirAll(filepath.Join(unifiedMountpoint, containerID), perms); err != nil {
		return nil, failure.Wrap(failure.InternalError, "mkdir cgroup", err)
	}
	mgr, err := cgroup2.NewManager(unifiedMountpoint, group, &cgroup2.Resources{})
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "create cgroup manager", err)
	}
	return &Manager{path: group, mgr: mgr}, nil
}

// Load attaches to an already-created cgroup (used when vmexec re-enters a
// cgroup set up by vminitd for a follow-on process).
func Load(containerID string) (*Manager, error) {
	group := "/" + containerID
	mgr, err := cgroup2.Load(group)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "load cgroup manager", err)
	}
	return &Manager{path: group, mgr: mgr}, nil
}

// ToggleSubtreeControllers writes "+c1 +c2 ..." (or "-c1 -c2 ...") to
// cgroup.subtree_control of the hierarchy root and of every ancestor of this
// cgroup (the library's ToggleControllers), enabling (or disabling) the
// named controllers down to this cgroup. This cgroup's own
// subtree_control is not written.
func (m *Manager) ToggleSubtreeControllers(controllers []string, enable bool) error {
	t := cgroup2.Enable
	if !enable {
		t = cgroup2.Disable
	}
	if err := m.mgr.ToggleControllers(controllers, t); err != nil {
		return failure.Wrap(failure.InternalError, "toggle subtree controllers", err)
	}
	return nil
}

// ToggleAllAvailableControllers reads cgroup.controllers and toggles every
// controller it names.
func (m *Manager) ToggleAllAvailableControllers(enable bool) error {
	data, err := os.ReadFile(filepath.Join(unifiedMountpoint, "cgroup.controllers"))
	if err != nil {
		return failure.Wrap(failure.InternalError, "read cgroup.controllers", err)
	}
	controllers := strings.Fields(string(data))
	if len(controllers) == 0 {
		return nil
	}
	return m.ToggleSubtreeControllers(controllers, enable)
}

// AddProcess writes pid to cgroup.procs.
func (m *Manager) AddProcess(pid int) error {
	if err := m.mgr.AddProc(uint64(pid)); err != nil {
		return failure.Wrap(failure.InternalError, "add process to cgroup", err)
	}
	return nil
}

// ResourceLimits is the subset of cgroup2.Resources this system's container
// configuration can request.
type ResourceLimits struct {
	MemoryLimitBytes *int64
	CPUQuota         *int64
	CPUPeriod        *uint64
	PidsLimit        *int64
}

// ApplyResources writes memory.max, cpu.max and pids.max as configured.
func (m *Manager) ApplyResources(limits ResourceLimits) error {
	res := &cgroup2.Resources{}
	if limits.MemoryLimitBytes != nil {
		res.Memory = &cgroup2.Memory{Max: limits.MemoryLimitBytes}
	}
	if limits.CPUQuota != nil || limits.CPUPeriod != nil {
		res.CPU = &cgroup2.CPU{Max: cgroup2.NewCPUMax(limits.CPUQuota, limits.CPUPeriod)}
	}
	if limits.PidsLimit != nil {
		res.Pids = &cgroup2.Pids{Max: *limits.PidsLimit}
	}
	if err := m.mgr.Update(res); err != nil {
		return failure.Wrap(failure.InternalError, "apply cgroup resources", err)
	}
	return nil
}

// Kill writes 1 to cgroup.kill, terminating every process in the cgroup.
func (m *Manager) Kill() error {
	if err := m.mgr.Kill(); err != nil {
		return failure.Wrap(failure.InternalError, "cgroup kill", err)
	}
	return nil
}

// Delete removes the cgroup directory. If force, every process is killed
// first so the directory isn't left populated (which would fail rmdir).
func (m *Manager) Delete(force bool) error {
	if force {
		_ = m.Kill()
	}
	if err := m.mgr.Delete(); err != nil {
		return failure.Wrap(failure.InternalError, "delete cgroup", err)
	}
	return nil
}

// Stats parses pids.current/max, memory.current/max/swap.*/stat, cpu.stat
// and io.stat. The underlying library already implements the
// "max" -> math.MaxUint64 convention this system's stats surface specifies.
func (m *Manager) Stats() (*cgroupstats.Metrics, error) {
	metrics, err := m.mgr.Stat()
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "read cgroup stats", err)
	}
	return metrics, nil
}
