package vminitd

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/nanovisor/nanovisor/internal/failure"
)

type earlyMount struct {
	source, target, fstype string
	flags                  uintptr
}

// earlyMounts is what vminitd mounts from its initial ramfs before doing
// anything else: the filesystems every later operation (agent RPC, rootfs
// builder, cgroup manager) assumes are already present.
var earlyMounts = []earlyMount{
	{"proc", "/proc", "proc", 0},
	{"sysfs", "/sys", "sysfs", 0},
	{"devtmpfs", "/dev", "devtmpfs", 0},
	{"cgroup2", "/sys/fs/cgroup", "cgroup2", 0},
}

// MountEssential mounts every entry in earlyMounts, creating each mountpoint
// directory first.
func MountEssential() error {
	for _, m := range earlyMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			return failure.Wrap(failure.InternalError, "mkdir "+m.target, err)
		}
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil {
			return failure.Wrap(failure.InternalError, "mount "+m.target, err)
		}
	}
	return nil
}
