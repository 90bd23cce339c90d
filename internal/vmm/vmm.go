// Package vmm defines the virtual machine capability: the interface every
// per-container hypervisor backend must present. Core lifecycle code never
// knows which concrete hypervisor is running underneath — it only calls
// Handle/Config/ControlChannel operations described here.
package vmm

import (
	"context"
	"fmt"
)

// Handle is an opaque reference to a running VM.
type Handle struct {
	ID string
}

func (h Handle) String() string { return h.ID }

// State mirrors the VM capability's state enum: created, running, paused,
// stopped.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Mount describes one entry of VM.mounts: {type, source, destination,
// options}.
type Mount struct {
	Type        string
	Source      string
	Destination string
	Options     []string
}

// Config describes how to boot a per-container VM: a kernel, an initial
// ramfs (the guest's vminitd image), and a bootlog destination, plus the
// resource shape requested by the container's Configuration.
type Config struct {
	KernelPath  string
	InitRamfs   string
	BootlogPath string

	CPUs        int
	MemoryBytes uint64
	Hostname    string

	// AgentPort is the well-known vsock port vminitd listens on for Agent
	// RPC, dialed once per container by DialAgent.
	AgentPort uint32
}

func (c Config) String() string {
	return fmt.Sprintf("kernel=%s initramfs=%s cpus=%d mem=%d", c.KernelPath, c.InitRamfs, c.CPUs, c.MemoryBytes)
}

// BackendCaps reports what a VMM backend can do, used by the Container
// Lifecycle to decide whether a persistent-pause skips teardown entirely.
type BackendCaps struct {
	Pause           bool
	PersistentPause bool
	Name            string
}

// ControlChannel is a message-oriented, bidirectional channel carrying
// newline-delimited JSON-RPC 2.0 objects between the host and the guest's
// vminitd. Implementations handle framing internally; callers never see
// delimiters. See channel.go for the net.Conn-backed implementation reused
// across backends.
type ControlChannel interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// VM is a single running (or not-yet-started) virtual machine.
type VM interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	State() State

	// Dial opens a new byte-stream to the guest on port (Transport.dial).
	Dial(ctx context.Context, port uint32) (ControlChannel, error)
	// Listen produces a lazy sequence of inbound connections on port
	// (Transport.listen); used by the Relay Fabric when the guest connects
	// back on the port number it was told.
	Listen(ctx context.Context, port uint32) (Listener, error)
	// DialAgent dials the well-known agent port and returns a ControlChannel
	// ready for Agent RPC framing.
	DialAgent(ctx context.Context) (ControlChannel, error)

	Mounts() []Mount
}

// Listener produces inbound ControlChannels as guest connections arrive.
type Listener interface {
	Accept(ctx context.Context) (ControlChannel, error)
	Close() error
}

// VMM is the virtual machine capability. All container lifecycle code calls
// this interface — it never knows which hypervisor backend is active.
type VMM interface {
	// Create instantiates a VM for a container with the given boot config;
	// the VM is created but not started.
	Create(ctx context.Context, containerID string, cfg Config) (VM, error)
	Capabilities() BackendCaps
}
