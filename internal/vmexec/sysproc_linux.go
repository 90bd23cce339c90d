package vmexec

import (
	"os/exec"
	"syscall"
)

// sysProcAttr configures the first-level child's namespace entry/unshare
// per spec's "Exec for container-init" / "Exec for follow-on process"
// algorithms. The cgroup namespace is not unshared here: ChildMain sets
// CLONE_NEWCGROUP when it starts the grandchild.
func sysProcAttr(cmd *exec.Cmd, spec Spec) {
	attr := &syscall.SysProcAttr{}
	if spec.Mode == ModeRun {
		attr.Cloneflags = syscall.CLONE_NEWPID | syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS
	}
	cmd.SysProcAttr = attr
}
