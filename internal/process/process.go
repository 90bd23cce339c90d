// Package process implements the host-side Process Supervisor: the piece
// that turns an OCI-shaped process spec into guest RPC calls, attaches the
// Relay Fabric to the stdio streams the guest connects back on, and exposes
// a lifecycle matching the Agent RPC process operations.
package process

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanovisor/nanovisor/internal/agentrpc"
	"github.com/nanovisor/nanovisor/internal/failure"
	"github.com/nanovisor/nanovisor/internal/vmm"
)

// Two independent monotonic counters own the vsock port space: one for
// host-initiated ports (agent RPC, relay listeners the host dials), one for
// guest-initiated ports (relay connections the guest dials back on).
var (
	hostPortCounter  uint32 = 0x10000000
	guestPortCounter uint32 = 0x10000000
)

// NextHostPort allocates the next host-initiated vsock port.
func NextHostPort() uint32 { return atomic.AddUint32(&hostPortCounter, 1) }

// NextGuestPort allocates the next guest-initiated vsock port.
func NextGuestPort() uint32 { return atomic.AddUint32(&guestPortCounter, 1) }

// Spec is the OCI-shaped process specification passed to createProcess.
type Spec struct {
	ID          string
	ContainerID string
	Args        []string
	Env         []string
	Cwd         string
	User        UserSpec
	Terminal    bool
	Rlimits     map[string]uint64

	// RootfsPath/Mounts/Hostname are set only for a container's init process
	// (ID == ContainerID): vmexec's mode-run pivot_root/mount setup needs
	// them, a follow-on exec (ID != ContainerID) setns's into the already
	// prepared root instead.
	RootfsPath string
	Mounts     []MountSpec
	Hostname   string
}

// UserSpec is the resolved uid/gid/supplementary-groups triple vmexec
// applies to the child before execve, mirroring runtime-spec's
// specs.User without importing it here (container already resolves an
// image config's string-shaped user against the rootfs and produces this).
type UserSpec struct {
	UID            uint32
	GID            uint32
	AdditionalGids []uint32
}

// MountSpec is one guest mount entry to perform inside the new root before
// pivot_root, mirroring container.Mount without importing internal/container
// (which already imports this package).
type MountSpec struct {
	Type        string
	Source      string
	Destination string
	Options     []string
}

// StdioPorts is the vsock port triple a non-terminal process's three pipes
// connect back on (stdin is host-initiated; stdout/stderr are
// guest-initiated). A terminal process only uses Stdin/Stdout.
type StdioPorts struct {
	Stdin, Stdout, Stderr uint32
}

// ExitStatus mirrors the Agent RPC's {exitCode, reason} pair.
type ExitStatus struct {
	ExitCode int
	Reason   string // "normal", "signaled", "timeout", "killed"
	Signal   int
}

const (
	ReasonNormal   = "normal"
	ReasonSignaled = "signaled"
	ReasonTimeout  = "timeout"
	ReasonKilled   = "killed"
)

// ioDrainTimeout bounds how long wait() waits for stdio relays to drain
// after the guest reports the process has exited.
const ioDrainTimeout = 3 * time.Second

// Process is one supervised guest process.
type Process struct {
	spec  Spec
	ports StdioPorts
	vm    vmm.VM
	agent *agentrpc.Caller

	mu      sync.Mutex
	started bool
	pid     int

	// ioTracker counts the stdio plumbing registered through TrackIO, each
	// entry released once its pair's Done() channel closes; Wait blocks on it
	// so stdio isn't torn down before it drains. Start registers nothing here.
	ioTracker sync.WaitGroup
}

// TrackIO registers a relay pair (or any other stdio plumbing) as part of
// this process's I/O completion tracking. release must be called exactly
// once, typically after the pair's Done() channel closes.
func (p *Process) TrackIO() (release func()) {
	p.ioTracker.Add(1)
	var once sync.Once
	return func() { once.Do(p.ioTracker.Done) }
}

// New creates a Process bound to an already-dialed agent connection and VM.
func New(spec Spec, ports StdioPorts, vm vmm.VM, agent *agentrpc.Caller) *Process {
	return &Process{spec: spec, ports: ports, vm: vm, agent: agent}
}

func (p *Process) validate() error {
	if p.spec.Terminal && p.ports.Stderr != 0 {
		return failure.New(failure.InvalidArgument, "terminal process cannot have a stderr port")
	}
	return nil
}

// createProcessParams/startProcessParams mirror the Agent RPC's
// createProcess/startProcess request shapes.
type createProcessParams struct {
	ID          string            `json:"id"`
	ContainerID string            `json:"containerId,omitempty"`
	StdioPorts  []uint32          `json:"stdioPorts,omitempty"`
	Spec        Spec              `json:"spec"`
	Opts        map[string]string `json:"opts,omitempty"`
}

type startProcessParams struct {
	ID          string `json:"id"`
	ContainerID string `json:"containerId,omitempty"`
}

type startProcessResult struct {
	PID int `json:"pid"`
}

// Start allocates listeners for the configured stdio ports, issues
// createProcess, waits for the guest to connect back on each port (handing
// each connection to a relay pair), then issues startProcess.
func (p *Process) Start(ctx context.Context, attach func(port uint32, ch vmm.ControlChannel) error) error {
	if err := p.validate(); err != nil {
		return err
	}

	ports := []uint32{}
	if p.ports.Stdin != 0 {
		ports = append(ports, p.ports.Stdin)
	}
	if p.ports.Stdout != 0 {
		ports = append(ports, p.ports.Stdout)
	}
	if p.ports.Stderr != 0 {
		ports = append(ports, p.ports.Stderr)
	}

	listeners := make([]vmm.Listener, 0, len(ports))
	for _, port := range ports {
		l, err := p.vm.Listen(ctx, port)
		if err != nil {
			return failure.Wrap(failure.TransportUnavailable, "listen stdio port", err)
		}
		listeners = append(listeners, l)
	}

	if err := p.agent.Call(ctx, "createProcess", createProcessParams{
		ID:          p.spec.ID,
		ContainerID: p.spec.ContainerID,
		StdioPorts:  ports,
		Spec:        p.spec,
	}, nil); err != nil {
		return err
	}

	for i, l := range listeners {
		ch, err := l.Accept(ctx)
		if err != nil {
			return failure.Wrap(failure.TransportUnavailable, "accept stdio connection", err)
		}
		if attach != nil {
			if err := attach(ports[i], ch); err != nil {
				return err
			}
		}
	}

	var result startProcessResult
	if err := p.agent.Call(ctx, "startProcess", startProcessParams{ID: p.spec.ID, ContainerID: p.spec.ContainerID}, &result); err != nil {
		return err
	}

	p.mu.Lock()
	p.started = true
	p.pid = result.PID
	p.mu.Unlock()
	return nil
}

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Kill forwards signal to the agent.
func (p *Process) Kill(ctx context.Context, signal int) error {
	return p.agent.Call(ctx, "signalProcess", map[string]interface{}{
		"id": p.spec.ID, "containerId": p.spec.ContainerID, "signal": signal,
	}, nil)
}

// Resize forwards a terminal resize to the agent; only valid if the process
// was created with terminal=true.
func (p *Process) Resize(ctx context.Context, cols, rows int) error {
	if !p.spec.Terminal {
		return failure.New(failure.Unsupported, "resize requires a terminal process")
	}
	return p.agent.Call(ctx, "resizeProcess", map[string]interface{}{
		"id": p.spec.ID, "containerId": p.spec.ContainerID, "cols": cols, "rows": rows,
	}, nil)
}

// CloseStdin signals EOF into the process's stdin.
func (p *Process) CloseStdin(ctx context.Context) error {
	return p.agent.Call(ctx, "closeProcessStdin", map[string]interface{}{
		"id": p.spec.ID, "containerId": p.spec.ContainerID,
	}, nil)
}

// Wait asks the agent to wait (bounded by timeout, in seconds; 0 means no
// bound), then blocks until the I/O tracker drains (bounded by
// ioDrainTimeout) before returning the exit status.
func (p *Process) Wait(ctx context.Context, timeoutSeconds int) (*ExitStatus, error) {
	var status ExitStatus
	params := map[string]interface{}{"id": p.spec.ID, "containerId": p.spec.ContainerID}
	if timeoutSeconds > 0 {
		params["timeout"] = timeoutSeconds
	}
	if err := p.agent.Call(ctx, "waitProcess", params, &status); err != nil {
		return nil, err
	}

	drained := make(chan struct{})
	go func() {
		p.ioTracker.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(ioDrainTimeout):
	}

	return &status, nil
}

// Delete asks the agent to release process state, then closes the agent
// connection. The stdio listeners opened by Start are not kept on the
// Process and are not closed here.
func (p *Process) Delete(ctx context.Context) error {
	err := p.agent.Call(ctx, "deleteProcess", map[string]interface{}{
		"id": p.spec.ID, "containerId": p.spec.ContainerID,
	}, nil)
	p.agent.Close()
	return err
}
