package vmexec

import (
	"os"
	"path/filepath"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// GrandchildMain is the final process image: it completes the two-pipe
// handshake from the grandchild's side, sets up the mount namespace and
// pivot_root (mode run only), applies rlimits/groups/gid/uid, and
// execve()s the target program. Never returns on success.
func GrandchildMain() {
	syncConn := os.NewFile(3, "vmexec-sync")
	ackR := os.NewFile(4, "vmexec-ack")
	specR := os.NewFile(5, "vmexec-spec")

	spec, err := readSpec(specR)
	if err != nil {
		fatalf(ackR, "read spec: %v", err)
	}

	if _, err := syncConn.WriteString(itoa(os.Getpid())); err != nil {
		fatalf(ackR, "write pid: %v", err)
	}
	if err := readAck(ackR, ackPid); err != nil {
		fatalf(ackR, "wait AckPid: %v", err)
	}

	if err := unix.Setsid(); err != nil {
		fatalf(ackR, "setsid: %v", err)
	}

	if spec.Mode == ModeRun {
		if err := prepareRoot(spec); err != nil {
			fatalf(ackR, "prepare root: %v", err)
		}
		if spec.Hostname != "" {
			if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
				fatalf(ackR, "sethostname: %v", err)
			}
		}
	}

	var masterFD int
	if spec.Terminal {
		master, slave, err := pty.Open()
		if err != nil {
			fatalf(ackR, "open pty: %v", err)
		}
		if err := sendFD(syncConn, int(master.Fd())); err != nil {
			fatalf(ackR, "send pty master fd: %v", err)
		}
		if err := readAck(ackR, ackConsole); err != nil {
			fatalf(ackR, "wait AckConsole: %v", err)
		}
		dupStdio(int(slave.Fd()))
		unix.IoctlSetInt(int(slave.Fd()), unix.TIOCSCTTY, 0)
		masterFD = int(master.Fd())
	}
	_ = masterFD

	applyRlimits(spec.Rlimits)
	applyIdentity(spec)

	if err := unix.Exec(spec.Args[0], spec.Args, spec.Env); err != nil {
		fatalf(ackR, "exec %s: %v", spec.Args[0], err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func readAck(ackR *os.File, want string) error {
	buf := make([]byte, len(want))
	n, err := ackR.Read(buf)
	if err != nil {
		return err
	}
	if string(buf[:n]) != want {
		return &unexpectedAckError{got: string(buf[:n]), want: want}
	}
	return nil
}

type unexpectedAckError struct{ got, want string }

func (e *unexpectedAckError) Error() string {
	return "unexpected ack: got " + e.got + ", want " + e.want
}

func sendFD(conn *os.File, fd int) error {
	rights := unix.UnixRights(fd)
	return unix.Sendmsg(int(conn.Fd()), nil, rights, nil, 0)
}

func dupStdio(fd int) {
	for _, target := range []int{0, 1, 2} {
		unix.Dup2(fd, target)
	}
}

// prepareRoot implements the mode-run root setup: bind-mount the rootfs
// over itself, mount the configured filesystems into it, pivot_root with
// the fchdir dance, and detach the old root.
func prepareRoot(spec Spec) error {
	if err := unix.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return err
	}
	if err := unix.Mount(spec.RootfsPath, spec.RootfsPath, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return err
	}

	for _, m := range spec.Mounts {
		dest := filepath.Join(spec.RootfsPath, m.Destination)
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, dest, m.Type, m.Flags, ""); err != nil {
			return err
		}
	}

	oldroot, err := os.Open(spec.RootfsPath)
	if err != nil {
		return err
	}
	defer oldroot.Close()

	if err := unix.Chdir(spec.RootfsPath); err != nil {
		return err
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return err
	}
	if err := unix.Fchdir(int(oldroot.Fd())); err != nil {
		return err
	}
	if err := unix.Mount("", ".", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return err
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return err
	}
	return unix.Chdir("/")
}

func applyRlimits(limits map[string]uint64) {
	for name, value := range limits {
		resource, ok := rlimitResource(name)
		if !ok {
			continue
		}
		rl := unix.Rlimit{Cur: value, Max: value}
		unix.Setrlimit(resource, &rl)
	}
}

func rlimitResource(name string) (int, bool) {
	switch name {
	case "nofile":
		return unix.RLIMIT_NOFILE, true
	case "nproc":
		return unix.RLIMIT_NPROC, true
	case "core":
		return unix.RLIMIT_CORE, true
	case "memlock":
		return unix.RLIMIT_MEMLOCK, true
	default:
		return 0, false
	}
}

func applyIdentity(spec Spec) {
	if len(spec.Groups) > 0 {
		unix.Setgroups(toIntSlice(spec.Groups))
	}
	if spec.GID != 0 {
		unix.Setgid(int(spec.GID))
	}
	if spec.UID != 0 {
		unix.Setuid(int(spec.UID))
	}
}

func toIntSlice(u []uint32) []int {
	out := make([]int, len(u))
	for i, v := range u {
		out[i] = int(v)
	}
	return out
}
