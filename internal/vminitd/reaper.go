package vminitd

import (
	"log"

	"golang.org/x/sys/unix"

	"github.com/nanovisor/nanovisor/internal/process"
)

// BecomeSubreaper marks this process (PID 1 inside the guest) as a child
// subreaper, so orphaned descendants (vmexec's double-fork grandchildren
// after their immediate parent exits) are reparented here instead of to the
// kernel's real init.
func BecomeSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}

// Reap wait4()s any child (WAIT_ANY) with WNOHANG until none is left to
// collect, resolving each exit status into the matching ManagedProcess
// record, then returns. The caller's signal loop calls it on every SIGCHLD.
func Reap(reg *Registry) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		mp, ok := reg.ByPID(pid)
		if !ok {
			log.Printf("vminitd: reaped untracked pid %d (status %v)", pid, ws)
			continue
		}
		mp.SetExit(exitStatusFromWaitStatus(ws))
		reg.Remove(mp)
	}
}

func exitStatusFromWaitStatus(ws unix.WaitStatus) process.ExitStatus {
	switch {
	case ws.Exited():
		return process.ExitStatus{ExitCode: ws.ExitStatus(), Reason: process.ReasonNormal}
	case ws.Signaled():
		return process.ExitStatus{ExitCode: 128 + int(ws.Signal()), Reason: process.ReasonSignaled, Signal: int(ws.Signal())}
	default:
		return process.ExitStatus{ExitCode: -1, Reason: process.ReasonKilled}
	}
}
