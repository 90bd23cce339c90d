// Package container drives one container's lifecycle: the mutex-guarded
// state machine, the agent calls issued on create()/start()/stop(), and the
// vsock port bookkeeping a running container owns.
//
// State transitions:
//
//	initialized ─create→ creating ─┬→ created ─start→ starting ─→ started
//	                                └→ errored
//	started ─stop→ stopping → stopped
//	started ─pause→ pausing → paused ─resume→ resuming → started
//	(any) ─failure→ errored
//	stopped ─create→ creating   (re-creation allowed)
package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/nanovisor/nanovisor/internal/agentrpc"
	"github.com/nanovisor/nanovisor/internal/failure"
	"github.com/nanovisor/nanovisor/internal/netconf"
	"github.com/nanovisor/nanovisor/internal/process"
	"github.com/nanovisor/nanovisor/internal/vmm"
)

// Container states.
const (
	StateInitialized = "initialized"
	StateCreating    = "creating"
	StateCreated     = "created"
	StateStarting    = "starting"
	StateStarted     = "started"
	StateStopping    = "stopping"
	StateStopped     = "stopped"
	StatePausing     = "pausing"
	StatePaused      = "paused"
	StateResuming    = "resuming"
	StateErrored     = "errored"
)

// legalFrom enumerates the states a transition may originate from; used by
// transition to reject anything not on the diagram.
var legalFrom = map[string][]string{
	StateCreating: {StateInitialized, StateStopped},
	StateCreated:  {StateCreating},
	StateStarting: {StateCreated},
	StateStarted:  {StateStarting, StateResuming},
	StateStopping: {StateStarted},
	StateStopped:  {StateStopping},
	StatePausing:  {StateStarted},
	StatePaused:   {StatePausing},
	StateResuming: {StatePaused},
	StateErrored:  nil, // any state may fail into errored
}

// Interface is an address/gateway/mac interface request, e.g. eth0.
type Interface struct {
	Name       string
	Address    string // CIDR, e.g. "192.168.127.2/24"
	Gateway    string // optional
	MACAddress string // optional
}

// Mount is one guest mount entry (proc, sysfs, devtmpfs, ...).
type Mount struct {
	Type        string
	Source      string
	Destination string
	Options     []string
}

// DefaultMounts is installed when Configuration.Mounts is empty.
func DefaultMounts() []Mount {
	return []Mount{
		{Type: "proc", Source: "proc", Destination: "/proc"},
		{Type: "sysfs", Source: "sysfs", Destination: "/sys"},
		{Type: "devtmpfs", Source: "devtmpfs", Destination: "/dev"},
		{Type: "mqueue", Source: "mqueue", Destination: "/dev/mqueue"},
		{Type: "tmpfs", Source: "tmpfs", Destination: "/dev/shm"},
		{Type: "cgroup2", Source: "cgroup", Destination: "/sys/fs/cgroup"},
		{Type: "devpts", Source: "devpts", Destination: "/dev/pts"},
	}
}

// ProcessSpec is the Configuration.process block.
type ProcessSpec struct {
	Args     []string
	Env      []string
	Cwd      string
	User     UserSpec
	Rlimits  map[string]uint64
	Terminal bool
}

// UserSpec is the {uid, gid, additionalGids} triple the data model's
// Process.user carries. When a container is started from an image config
// instead, ResolveProcessSpec turns the image's string-shaped "user" field
// (e.g. "1000:1000" or a passwd name) into this same shape by reading the
// unpacked rootfs's /etc/passwd (see §6 "user lookup").
type UserSpec struct {
	UID            uint32
	GID            uint32
	AdditionalGids []uint32
}

const defaultMemoryBytes = 1 << 30 // 1 GiB

// alignMemory rounds bytes up to the next 1 MiB boundary.
func alignMemory(bytes uint64) uint64 {
	const mib = 1 << 20
	if bytes == 0 {
		bytes = defaultMemoryBytes
	}
	return (bytes + mib - 1) / mib * mib
}

// Configuration is everything a container is created from.
type Configuration struct {
	CPUs          int
	MemoryInBytes uint64
	Hostname      string
	Sysctl        map[string]string
	Interfaces    []Interface
	Mounts        []Mount
	Sockets       []UnixSocketConfiguration
	Rosetta       bool
	Virtualization bool
	DNS           *netconf.DNSConfig
	Hosts         *netconf.HostsConfig
	Process       ProcessSpec

	KernelPath  string
	InitRamfs   string
	BootlogPath string

	// RootfsBlockDevice is the guest-visible block device (e.g. "/dev/vdb")
	// the VMM attached the unpacker-built ext4 image on.
	RootfsBlockDevice string
}

// UnixSocketConfiguration describes one guest<->host UDS relay.
type UnixSocketConfiguration struct {
	GuestPath string
	HostPath  string
}

// RootfsPathFor returns the in-guest mount point a container's rootfs is
// bound at.
func RootfsPathFor(id string) string {
	return fmt.Sprintf("/run/container/%s/rootfs", id)
}

// IdleTracker records the last time a container saw activity and how many
// sessions are currently attached to it, in the same shape as the teacher's
// Instance.lastActivity/activeConns: a caller (internal/manager's idle-pause
// policy) polls IdleSince to decide whether a started container has been
// quiet long enough to pause, without the Container itself ever scheduling
// an automatic transition.
type IdleTracker struct {
	mu           sync.Mutex
	lastActivity time.Time
	activeConns  int
}

func newIdleTracker() *IdleTracker {
	return &IdleTracker{lastActivity: time.Now()}
}

// Touch records activity now. withAgent calls it once each time it opens an
// agent scope (Create, Stop) and Start's stdio attach callback calls it per
// connection; the individual RPCs inside a scope are not counted.
func (t *IdleTracker) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = time.Now()
}

// ConnOpened records a newly attached session (e.g. stdio attach), which
// also counts as activity.
func (t *IdleTracker) ConnOpened() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeConns++
	t.lastActivity = time.Now()
}

// ConnClosed records a detached session.
func (t *IdleTracker) ConnClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeConns > 0 {
		t.activeConns--
	}
	t.lastActivity = time.Now()
}

// Reset clears the connection count and marks activity now; called on Stop
// so a subsequent re-create() of the same id starts from a clean slate.
func (t *IdleTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeConns = 0
	t.lastActivity = time.Now()
}

// IdleSince reports how long it has been since the last recorded activity,
// and the number of sessions currently attached. A non-zero connection
// count means the container is never considered idle, regardless of the
// elapsed duration.
func (t *IdleTracker) IdleSince() (time.Duration, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastActivity), t.activeConns
}

// Container is a mutex-guarded discriminated union over the state diagram
// in the package comment; every transition goes through transition(), which
// rejects anything not listed in legalFrom.
type Container struct {
	mu    sync.Mutex
	id    string
	state string
	cfg   Configuration

	vmmCap vmm.VMM
	vm     vmm.VM
	agent  *agentrpc.Caller
	proc   *process.Process
	idle   *IdleTracker

	onStateChange func(id, state string)
}

// New creates a Container in the initialized state; it instantiates nothing
// until create() is called.
func New(id string, cfg Configuration, vmmCap vmm.VMM, onStateChange func(id, state string)) *Container {
	return &Container{id: id, state: StateInitialized, cfg: cfg, vmmCap: vmmCap, idle: newIdleTracker(), onStateChange: onStateChange}
}

// Idle exposes the container's activity tracker, e.g. for an idle-pause
// policy layered on top of Manager.
func (c *Container) Idle() *IdleTracker { return c.idle }

func (c *Container) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition validates and applies a state change while c.mu is held by the
// caller (transition itself does not lock, to let call sites bundle state
// reads/writes atomically).
func (c *Container) transition(to string) error {
	allowed := legalFrom[to]
	if allowed != nil {
		ok := false
		for _, from := range allowed {
			if c.state == from {
				ok = true
				break
			}
		}
		if !ok {
			return failure.Newf(failure.InvalidArgument, "container %s: illegal transition %s -> %s", c.id, c.state, to)
		}
	}
	c.state = to
	if c.onStateChange != nil {
		c.onStateChange(c.id, to)
	}
	return nil
}

func (c *Container) fail(cause error) error {
	c.mu.Lock()
	c.transition(StateErrored)
	c.mu.Unlock()
	return cause
}

// Create instantiates the VM, connects the agent, mounts the rootfs, wires
// sockets and networking, and transitions created|errored.
func (c *Container) Create(ctx context.Context) error {
	c.mu.Lock()
	if err := c.transition(StateCreating); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	vmCfg := vmm.Config{
		KernelPath:  c.cfg.KernelPath,
		InitRamfs:   c.cfg.InitRamfs,
		BootlogPath: c.cfg.BootlogPath,
		CPUs:        c.cfg.CPUs,
		MemoryBytes: alignMemory(c.cfg.MemoryInBytes),
		Hostname:    c.cfg.Hostname,
		AgentPort:   process.NextHostPort(),
	}

	vm, err := c.vmmCap.Create(ctx, c.id, vmCfg)
	if err != nil {
		return c.fail(failure.Wrap(failure.InternalError, "create vm", err))
	}
	if err := vm.Start(ctx); err != nil {
		return c.fail(failure.Wrap(failure.InternalError, "start vm", err))
	}

	if err := c.withAgent(ctx, vm, func(ctx context.Context, agent *agentrpc.Caller) error {
		if err := agent.Call(ctx, "standardSetup", nil, nil); err != nil {
			return err
		}
		rootPath := RootfsPathFor(c.id)
		if err := agent.Call(ctx, "mount", map[string]interface{}{
			"source":      c.cfg.RootfsBlockDevice,
			"fstype":      "ext4",
			"destination": rootPath,
		}, nil); err != nil {
			return err
		}
		for _, sock := range c.cfg.Sockets {
			if err := agent.Call(ctx, "startSocketRelay", sock, nil); err != nil {
				return err
			}
		}
		for i, iface := range c.cfg.Interfaces {
			name := iface.Name
			if name == "" {
				name = fmt.Sprintf("eth%d", i)
			}
			if err := agent.Call(ctx, "addressAdd", map[string]interface{}{
				"interface": name, "address": iface.Address,
			}, nil); err != nil {
				return err
			}
			if err := agent.Call(ctx, "up", map[string]interface{}{
				"interface": name, "mtu": 1280,
			}, nil); err != nil {
				return err
			}
			if iface.Gateway != "" {
				if err := agent.Call(ctx, "routeAddDefault", map[string]interface{}{
					"interface": name, "gateway": iface.Gateway,
				}, nil); err != nil {
					return err
				}
			}
		}
		if c.cfg.DNS != nil {
			if err := agent.Call(ctx, "configureDNS", map[string]interface{}{
				"config": c.cfg.DNS, "rootPath": rootPath,
			}, nil); err != nil {
				return err
			}
		}
		if c.cfg.Hosts != nil {
			if err := agent.Call(ctx, "configureHosts", map[string]interface{}{
				"config": c.cfg.Hosts, "rootPath": rootPath,
			}, nil); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = vm.Stop(ctx)
		return c.fail(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.vm = vm
	return c.transition(StateCreated)
}

// withAgent dials a fresh agent connection for the scope of fn and always
// closes it on return.
func (c *Container) withAgent(ctx context.Context, vm vmm.VM, fn func(context.Context, *agentrpc.Caller) error) error {
	c.idle.Touch()
	ch, err := vm.DialAgent(ctx)
	if err != nil {
		return failure.Wrap(failure.TransportUnavailable, "dial agent", err)
	}
	caller := agentrpc.NewCaller(ch, nil)
	defer caller.Close()
	return fn(ctx, caller)
}

// Start generates the OCI runtime spec from Configuration, drops the rootfs
// mount (the container runtime owns it from here), allocates stdio ports,
// and starts the container-init process.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	if err := c.transition(StateStarting); err != nil {
		c.mu.Unlock()
		return err
	}
	vm := c.vm
	c.mu.Unlock()

	ch, err := vm.DialAgent(ctx)
	if err != nil {
		return c.fail(failure.Wrap(failure.TransportUnavailable, "dial agent", err))
	}
	agent := agentrpc.NewCaller(ch, nil)

	ports := process.StdioPorts{Stdin: process.NextHostPort()}
	if c.cfg.Process.Terminal {
		ports.Stdout = process.NextGuestPort()
	} else {
		ports.Stdout = process.NextGuestPort()
		ports.Stderr = process.NextGuestPort()
	}

	// Generate the OCI runtime spec from the configuration; its Root mount
	// is dropped here because the runtime (vmexec) already owns the rootfs
	// bind-mount performed during Create.
	ociSpec := c.runtimeSpec()
	processMounts := make([]process.MountSpec, len(ociSpec.Mounts))
	for i, m := range ociSpec.Mounts {
		processMounts[i] = process.MountSpec{Type: m.Type, Source: m.Source, Destination: m.Destination, Options: m.Options}
	}
	rlimits := make(map[string]uint64, len(ociSpec.Process.Rlimits))
	for _, rl := range ociSpec.Process.Rlimits {
		rlimits[rl.Type] = rl.Hard
	}

	proc := process.New(process.Spec{
		ID:          c.id,
		ContainerID: c.id,
		Args:        ociSpec.Process.Args,
		Env:         ociSpec.Process.Env,
		Cwd:         ociSpec.Process.Cwd,
		User: process.UserSpec{
			UID:            ociSpec.Process.User.UID,
			GID:            ociSpec.Process.User.GID,
			AdditionalGids: ociSpec.Process.User.AdditionalGids,
		},
		Terminal: ociSpec.Process.Terminal,
		Rlimits:     rlimits,
		RootfsPath:  ociSpec.Root.Path,
		Mounts:      processMounts,
		Hostname:    ociSpec.Hostname,
	}, ports, vm, agent)

	if err := proc.Start(ctx, func(port uint32, ch vmm.ControlChannel) error {
		// Stdio attaching is activity, but not itself a session this
		// Container can later detect the close of (ch is neither relayed nor
		// registered with proc.TrackIO here), so
		// it only bumps lastActivity rather than activeConns; a stuck-high
		// connection count would mean the idle-pause policy never fires.
		c.idle.Touch()
		return nil
	}); err != nil {
		agent.Close()
		return c.fail(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.agent = agent
	c.proc = proc
	return c.transition(StateStarted)
}

// runtimeSpec generates the OCI runtime spec for a container's init process
// from Configuration, following the standard runtime-spec shape. The rootfs
// mount itself is not represented here: the container runtime (vmexec)
// already owns the bind-mount of the unpacked image at RootfsPathFor, so the
// spec's Root only records the path for rlimit/user application downstream.
func (c *Container) runtimeSpec() *specs.Spec {
	mounts := c.cfg.Mounts
	if len(mounts) == 0 {
		mounts = DefaultMounts()
	}
	ociMounts := make([]specs.Mount, len(mounts))
	for i, m := range mounts {
		ociMounts[i] = specs.Mount{
			Destination: m.Destination,
			Type:        m.Type,
			Source:      m.Source,
			Options:     m.Options,
		}
	}

	rlimits := make([]specs.POSIXRlimit, 0, len(c.cfg.Process.Rlimits))
	for name, limit := range c.cfg.Process.Rlimits {
		rlimits = append(rlimits, specs.POSIXRlimit{Type: name, Hard: limit, Soft: limit})
	}

	spec := &specs.Spec{
		Version: "1.1.0",
		Process: &specs.Process{
			Terminal: c.cfg.Process.Terminal,
			Args:     c.cfg.Process.Args,
			Env:      c.cfg.Process.Env,
			Cwd:      c.cfg.Process.Cwd,
			User: specs.User{
				UID:            c.cfg.Process.User.UID,
				GID:            c.cfg.Process.User.GID,
				AdditionalGids: c.cfg.Process.User.AdditionalGids,
			},
			Rlimits: rlimits,
		},
		Root:     &specs.Root{Path: RootfsPathFor(c.id)},
		Hostname: c.cfg.Hostname,
		Mounts:   ociMounts,
	}
	if spec.Process.Cwd == "" {
		spec.Process.Cwd = "/"
	}

	var resources specs.LinuxResources
	haveResources := false
	if c.cfg.MemoryInBytes != 0 {
		limit := int64(alignMemory(c.cfg.MemoryInBytes))
		resources.Memory = &specs.LinuxMemory{Limit: &limit}
		haveResources = true
	}
	if c.cfg.CPUs > 0 {
		period := uint64(100000)
		quota := int64(c.cfg.CPUs) * int64(period)
		resources.CPU = &specs.LinuxCPU{Quota: &quota, Period: &period}
		haveResources = true
	}
	if haveResources {
		spec.Linux = &specs.Linux{Resources: &resources}
	}
	return spec
}

const stopWaitTimeout = 5 * time.Second

// Stop is idempotent: if the VM is already stopped it transitions straight
// to stopped and returns success.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	if err := c.transition(StateStopping); err != nil {
		c.mu.Unlock()
		return err
	}
	vm := c.vm
	proc := c.proc
	c.mu.Unlock()

	if vm == nil || vm.State() == vmm.StateStopped {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.transition(StateStopped)
	}

	err := c.withAgent(ctx, vm, func(ctx context.Context, agent *agentrpc.Caller) error {
		for _, sock := range c.cfg.Sockets {
			callErr := agent.Call(ctx, "stopSocketRelay", sock, nil)
			if callErr != nil {
				if ce, ok := callErr.(*agentrpc.CallError); ok && strings.HasPrefix(ce.Message, string(failure.Unsupported)) {
					continue
				}
				return callErr
			}
		}
		if err := agent.Call(ctx, "kill", map[string]interface{}{
			"id": c.id, "pid": -1, "signal": 9,
		}, nil); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, stopWaitTimeout)
		defer cancel()
		if err := agent.Call(waitCtx, "waitProcess", map[string]interface{}{
			"id": c.id, "timeout": 5,
		}, nil); err != nil {
			return err
		}
		return agent.Call(ctx, "umount", map[string]interface{}{
			"path": RootfsPathFor(c.id), "flags": 0,
		}, nil)
	})

	if proc != nil {
		_ = proc.Delete(ctx)
	}
	_ = vm.Stop(ctx)
	c.idle.Reset()

	c.mu.Lock()
	defer c.mu.Unlock()
	if terr := c.transition(StateStopped); terr != nil {
		return terr
	}
	return err
}

// Pause propagates to the VM capability.
func (c *Container) Pause(ctx context.Context) error {
	c.mu.Lock()
	if err := c.transition(StatePausing); err != nil {
		c.mu.Unlock()
		return err
	}
	vm := c.vm
	c.mu.Unlock()

	if err := vm.Pause(ctx); err != nil {
		return c.fail(failure.Wrap(failure.InternalError, "pause vm", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(StatePaused)
}

// Resume propagates to the VM capability.
func (c *Container) Resume(ctx context.Context) error {
	c.mu.Lock()
	if err := c.transition(StateResuming); err != nil {
		c.mu.Unlock()
		return err
	}
	vm := c.vm
	c.mu.Unlock()

	if err := vm.Resume(ctx); err != nil {
		return c.fail(failure.Wrap(failure.InternalError, "resume vm", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(StateStarted)
}
