// Package vmexec performs the low-level process-creation work vminitd
// delegates to for both container-init processes (mode "run") and
// follow-on processes (mode "exec"): namespace entry/unshare, pivot_root,
// mount setup, rlimits, user switch, pty wiring, and execve.
//
// The two-pipe synchronization protocol (fds 3 and 4 in the child) is
// implemented here on both ends: Launch, called from vminitd's startProcess
// handler, holds the parent side, and the forked child runs ChildMain.
package vmexec

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/nanovisor/nanovisor/internal/failure"
)

func writeSpec(w *os.File, spec Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return failure.Wrap(failure.InternalError, "marshal vmexec spec", err)
	}
	if _, err := w.Write(data); err != nil {
		return failure.Wrap(failure.InternalError, "write vmexec spec", err)
	}
	return nil
}

// Mode selects which exec algorithm ChildMain runs.
type Mode string

const (
	ModeRun  Mode = "run"  // container-init: unshare namespaces, pivot_root
	ModeExec Mode = "exec" // follow-on process: setns into an existing container
)

// Spec is everything ChildMain needs to bring up one process.
type Spec struct {
	Mode Mode

	Args    []string
	Env     []string
	Cwd     string
	UID     uint32
	GID     uint32
	Groups  []uint32
	Rlimits map[string]uint64

	Terminal bool

	// ModeRun-only.
	RootfsPath string
	Mounts     []MountSpec
	Hostname   string

	// ModeExec-only: pidfd of the container-init process to setns into.
	InitPIDFD int
}

// MountSpec is one guest-side bind/mount to perform inside the new root.
type MountSpec struct {
	Type        string
	Source      string
	Destination string
	Options     []string
	Flags       uintptr
}

// mountOptionFlags maps the OCI-runtime-spec mount option vocabulary to the
// corresponding unix.MS_* bit, same names runc's mount option parser accepts.
var mountOptionFlags = map[string]uintptr{
	"ro":          unix.MS_RDONLY,
	"nosuid":      unix.MS_NOSUID,
	"nodev":       unix.MS_NODEV,
	"noexec":      unix.MS_NOEXEC,
	"noatime":     unix.MS_NOATIME,
	"nodiratime":  unix.MS_NODIRATIME,
	"relatime":    unix.MS_RELATIME,
	"strictatime": unix.MS_STRICTATIME,
	"bind":        unix.MS_BIND,
	"rbind":       unix.MS_BIND | unix.MS_REC,
}

// MountFlags translates a mount entry's option strings into the unix.MS_*
// bitmask its mount(2) call should pass; unrecognized options (e.g. "rw",
// which is the default and carries no flag) are ignored.
func MountFlags(options []string) uintptr {
	var flags uintptr
	for _, o := range options {
		flags |= mountOptionFlags[o]
	}
	return flags
}

// Launched is returned to the caller (vminitd's startProcess handler) once
// the two-pipe handshake completes.
type Launched struct {
	Cmd *exec.Cmd
	PID int // grandchild pid, distinct from Cmd.Process.Pid (the middle child)

	// MasterFD is valid only if Terminal: the pty master, owned by the
	// caller now, handed back over the sync socket via SCM_RIGHTS.
	MasterFD int

	// Stdin/Stdout/Stderr are valid only if !Terminal: the host-facing ends
	// of three pipes Launch created itself and threaded through both exec
	// levels as fd 0/1/2, exactly as a parent process normally wires a
	// child's stdio before forking.
	Stdin  *os.File // write end
	Stdout *os.File // read end
	Stderr *os.File // read end
}

const (
	ackPid     = "AckPid"
	ackConsole = "AckConsole"
)

// BinaryPath is where the vmexec binary is installed inside the guest
// rootfs. Launch always re-execs this path rather than os.Executable(),
// since Launch itself runs inside the long-lived vminitd process, not
// inside vmexec.
const BinaryPath = "/sbin/vmexec"

// Launch forks the two-level child described in the spec's Mode, completes
// the sync-pipe handshake (AckPid, plus AckConsole when Terminal is set),
// and returns; it does not wait for the grandchild's execve. It does not
// wait for the process to exit;
// that's vminitd's reaper's job. initPIDFD is the open pidfd of the
// container-init process to setns into; required when spec.Mode is
// ModeExec, ignored otherwise. Ownership of initPIDFD passes to Launch,
// which closes its own reference once the child has inherited it.
func Launch(spec Spec, initPIDFD *os.File) (*Launched, error) {
	// The sync channel is a unix socketpair rather than a plain pipe: when
	// Terminal is set, the grandchild passes the pty master fd back over it
	// via SCM_RIGHTS, which a plain pipe cannot carry.
	syncFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "create sync socketpair", err)
	}
	syncParent := os.NewFile(uintptr(syncFDs[0]), "sync-parent")
	syncChild := os.NewFile(uintptr(syncFDs[1]), "sync-child")

	ackR, ackW, err := os.Pipe()
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "create ack pipe", err)
	}

	specR, specW, err := os.Pipe()
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "create spec pipe", err)
	}

	cmd := exec.Command(BinaryPath, "__vmexec_child__")
	cmd.ExtraFiles = []*os.File{syncChild, ackR, specR} // become fd 3, fd 4, fd 5 in the child

	if spec.Mode == ModeExec && initPIDFD != nil {
		// ExtraFiles position determines the exact fd number the child sees;
		// record it in the spec so ChildMain knows which fd to setns with.
		spec.InitPIDFD = 3 + len(cmd.ExtraFiles)
		cmd.ExtraFiles = append(cmd.ExtraFiles, initPIDFD)
		defer initPIDFD.Close()
	}

	if err := writeSpec(specW, spec); err != nil {
		return nil, err
	}
	specW.Close()

	var hostStdin, hostStdout, hostStderr *os.File
	if !spec.Terminal {
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			return nil, failure.Wrap(failure.InternalError, "create stdin pipe", err)
		}
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			return nil, failure.Wrap(failure.InternalError, "create stdout pipe", err)
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			return nil, failure.Wrap(failure.InternalError, "create stderr pipe", err)
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = stdinR, stdoutW, stderrW
		hostStdin, hostStdout, hostStderr = stdinW, stdoutR, stderrR
		defer stdinR.Close()
		defer stdoutW.Close()
		defer stderrW.Close()
	}

	sysProcAttr(cmd, spec)

	if err := cmd.Start(); err != nil {
		return nil, failure.Wrap(failure.InternalError, "start vmexec child", err)
	}
	syncChild.Close()
	ackR.Close()
	specR.Close()

	grandchildPID, masterFD, err := completeHandshake(syncParent, ackW, spec)
	if err != nil {
		cmd.Process.Kill()
		return nil, err
	}

	return &Launched{
		Cmd: cmd, PID: grandchildPID, MasterFD: masterFD,
		Stdin: hostStdin, Stdout: hostStdout, Stderr: hostStderr,
	}, nil
}

// completeHandshake implements steps 3-4 of the two-pipe protocol from the
// parent's side: read the grandchild's pid, ack it, and (if terminal) read
// the pty master fd and ack the console.
func completeHandshake(syncConn *os.File, ackW *os.File, spec Spec) (pid int, masterFD int, err error) {
	syncR := syncConn
	var buf [64]byte
	n, err := syncR.Read(buf[:])
	if err != nil || n == 0 {
		return 0, 0, failure.Wrap(failure.InternalError, "read grandchild pid", err)
	}
	pid, err = strconv.Atoi(string(buf[:n]))
	if err != nil {
		return 0, 0, failure.Wrap(failure.InternalError, "parse grandchild pid", err)
	}

	if _, err := ackW.WriteString(ackPid); err != nil {
		return 0, 0, failure.Wrap(failure.InternalError, "write AckPid", err)
	}

	if !spec.Terminal {
		return pid, 0, nil
	}

	masterFD, err = recvFD(syncR)
	if err != nil {
		return 0, 0, failure.Wrap(failure.InternalError, "receive pty master fd", err)
	}
	if _, err := ackW.WriteString(ackConsole); err != nil {
		return 0, 0, failure.Wrap(failure.InternalError, "write AckConsole", err)
	}
	return pid, masterFD, nil
}

// recvFD reads a SCM_RIGHTS control message carrying one fd off r (which
// must wrap a unix domain socket rather than a plain pipe for fd passing to
// work; Launch always creates the sync channel as a socketpair).
func recvFD(r *os.File) (int, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 1)
	_, oobn, _, _, err := unix.Recvmsg(int(r.Fd()), buf, oob, 0)
	if err != nil {
		return 0, err
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(msgs) == 0 {
		return 0, fmt.Errorf("no control message received")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil || len(fds) == 0 {
		return 0, fmt.Errorf("no fd in control message")
	}
	return fds[0], nil
}

