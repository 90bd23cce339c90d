package vmm

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory VMM test double: it never boots a real hypervisor,
// it just tracks state transitions and hands back in-process pipe-backed
// ControlChannels, so host-side components (Container Lifecycle, Process
// Supervisor) can be exercised without a kernel or a kvm/Hypervisor.framework
// handle.
type Fake struct {
	mu    sync.Mutex
	caps  BackendCaps
	vms   map[string]*fakeVM
	Dialer func(ctx context.Context, containerID string, port uint32) (ControlChannel, error)
}

func NewFake(caps BackendCaps) *Fake {
	return &Fake{caps: caps, vms: map[string]*fakeVM{}}
}

func (f *Fake) Capabilities() BackendCaps { return f.caps }

func (f *Fake) Create(ctx context.Context, containerID string, cfg Config) (VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := &fakeVM{id: containerID, cfg: cfg, state: StateCreated, parent: f}
	f.vms[containerID] = v
	return v, nil
}

type fakeVM struct {
	mu     sync.Mutex
	id     string
	cfg    Config
	state  State
	parent *Fake
}

func (v *fakeVM) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = StateRunning
	return nil
}

func (v *fakeVM) Stop(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = StateStopped
	return nil
}

func (v *fakeVM) Pause(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateRunning {
		return fmt.Errorf("pause: vm not running")
	}
	v.state = StatePaused
	return nil
}

func (v *fakeVM) Resume(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StatePaused {
		return fmt.Errorf("resume: vm not paused")
	}
	v.state = StateRunning
	return nil
}

func (v *fakeVM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *fakeVM) Dial(ctx context.Context, port uint32) (ControlChannel, error) {
	if v.parent.Dialer != nil {
		return v.parent.Dialer(ctx, v.id, port)
	}
	return newPipeChannel(), nil
}

func (v *fakeVM) DialAgent(ctx context.Context) (ControlChannel, error) {
	return v.Dial(ctx, 0x10000000)
}

func (v *fakeVM) Listen(ctx context.Context, port uint32) (Listener, error) {
	return &fakeListener{ch: newPipeChannel()}, nil
}

func (v *fakeVM) Mounts() []Mount { return nil }

type fakeListener struct {
	ch   ControlChannel
	once sync.Once
}

func (l *fakeListener) Accept(ctx context.Context) (ControlChannel, error) {
	var ch ControlChannel
	l.once.Do(func() { ch = l.ch })
	if ch == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return ch, nil
}

func (l *fakeListener) Close() error { return l.ch.Close() }
