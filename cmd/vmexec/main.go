// vmexec is the guest-side process-creation helper vminitd re-execs for
// every container-init and follow-on process. It implements both legs of
// the two-pipe synchronization protocol described in internal/vmexec:
// argv[1] "__vmexec_child__" completes namespace entry/unshare and re-execs
// itself once more as "__vmexec_grandchild__", which finishes pivot_root,
// pty/rlimit/identity setup, and the final execve.
//
// vminitd always invokes this binary by its installed path
// (internal/vmexec.BinaryPath), never by resolving its own executable, since
// vminitd and vmexec are separate binaries in the guest rootfs.
//
// Build: GOOS=linux GOARCH=arm64 CGO_ENABLED=0 go build -o vmexec ./cmd/vmexec
package main

import (
	"fmt"
	"os"

	"github.com/nanovisor/nanovisor/internal/vmexec"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "vmexec: missing mode argument")
		os.Exit(2)
	}
	switch os.Args[1] {
	case "__vmexec_child__":
		vmexec.ChildMain()
	case "__vmexec_grandchild__":
		vmexec.GrandchildMain()
	default:
		fmt.Fprintf(os.Stderr, "vmexec: unknown mode %q\n", os.Args[1])
		os.Exit(2)
	}
}
