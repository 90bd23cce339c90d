// vminitd is the guest PID 1 process that runs inside nanovisor microVMs.
//
// It mounts the essential filesystems, reaps children as a subreaper, and
// serves Agent RPC over vsock, delegating process creation to the vmexec
// binary installed alongside it.
//
// Build: GOOS=linux GOARCH=arm64 CGO_ENABLED=0 go build -o vminitd ./cmd/vminitd
package main

import (
	"log"

	"github.com/nanovisor/nanovisor/internal/vminitd"
)

func main() {
	if err := vminitd.Run(); err != nil {
		log.Fatalf("vminitd: %v", err)
	}
}
