package vmexec

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ChildMain is the entrypoint run by the re-exec'd "__vmexec_child__"
// process (the first-level child from Launch's two-pipe protocol). It
// completes namespace setup appropriate to spec.Mode, then re-execs itself
// once more as the grandchild (CLONE_NEWCGROUP, the second fork in the
// protocol), which performs mount/pivot_root/user setup and finally execs
// the target program.
//
// Run from a freshly re-exec'd, single-goroutine process image — never
// called from inside the long-running vminitd process itself, since this
// function never returns on success.
func ChildMain() {
	syncConn := os.NewFile(3, "vmexec-sync")
	ackR := os.NewFile(4, "vmexec-ack")
	specR := os.NewFile(5, "vmexec-spec")

	spec, err := readSpec(specR)
	if err != nil {
		fatalf(ackR, "read spec: %v", err)
	}

	if spec.Mode == ModeExec {
		// spec.InitPIDFD is the child-local fd number Launch assigned when it
		// appended the pidfd to ExtraFiles.
		if err := unix.Setns(spec.InitPIDFD, 0); err != nil {
			fatalf(ackR, "setns into container: %v", err)
		}
	}

	specR2, specW2, err := os.Pipe()
	if err != nil {
		fatalf(ackR, "create grandchild spec pipe: %v", err)
	}

	grandchild := exec.Command(BinaryPath, "__vmexec_grandchild__")
	grandchild.ExtraFiles = []*os.File{syncConn, ackR, specR2}
	grandchild.SysProcAttr = &syscall.SysProcAttr{Cloneflags: syscall.CLONE_NEWCGROUP}
	if !spec.Terminal {
		// fd 0/1/2 inherited from this process are the pipe ends Launch
		// wired up before the first fork; pass them straight through.
		grandchild.Stdin, grandchild.Stdout, grandchild.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	if err := grandchild.Start(); err != nil {
		fatalf(ackR, "start grandchild: %v", err)
	}
	specR2.Close()
	writeSpec(specW2, spec)
	specW2.Close()

	grandchild.Wait()
	os.Exit(0)
}

func readSpec(r io.Reader) (Spec, error) {
	var spec Spec
	data, err := io.ReadAll(r)
	if err != nil {
		return spec, err
	}
	err = json.Unmarshal(data, &spec)
	return spec, err
}

func fatalf(ackW *os.File, format string, args ...interface{}) {
	ackW.WriteString("vmexec: " + fmt.Sprintf(format, args...) + "\n")
	os.Exit(1)
}
