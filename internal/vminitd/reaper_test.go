package vminitd

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nanovisor/nanovisor/internal/process"
)

func TestExitStatusFromWaitStatusNormalExit(t *testing.T) {
	ws := unix.WaitStatus(5 << 8) // exit code 5, no signal bits set
	got := exitStatusFromWaitStatus(ws)
	want := process.ExitStatus{ExitCode: 5, Reason: process.ReasonNormal}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestExitStatusFromWaitStatusSignaled(t *testing.T) {
	ws := unix.WaitStatus(unix.SIGKILL) // low 7 bits carry the terminating signal
	got := exitStatusFromWaitStatus(ws)
	want := process.ExitStatus{ExitCode: 128 + int(unix.SIGKILL), Reason: process.ReasonSignaled, Signal: int(unix.SIGKILL)}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
