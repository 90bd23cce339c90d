package container

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nanovisor/nanovisor/internal/agentrpc"
	"github.com/nanovisor/nanovisor/internal/vmm"
)

// newGuestDouble builds a vmm.Fake whose Dial/DialAgent hand back a fresh
// net.Pipe-backed connection served by d for every call, so each withAgent
// scope in Container gets its own live two-party RPC conversation.
func newGuestDouble(t *testing.T, d *agentrpc.Dispatcher) *vmm.Fake {
	t.Helper()
	fake := vmm.NewFake(vmm.BackendCaps{Name: "fake"})
	fake.Dialer = func(ctx context.Context, containerID string, port uint32) (vmm.ControlChannel, error) {
		a, b := net.Pipe()
		go d.Serve(context.Background(), vmm.NewNetControlChannel(b))
		return vmm.NewNetControlChannel(a), nil
	}
	return fake
}

func noopHandler(ctx context.Context, params json.RawMessage) (interface{}, error) { return nil, nil }

func registerContainerHandlers(d *agentrpc.Dispatcher, pid int) {
	for _, m := range []string{
		"standardSetup", "mount", "addressAdd", "up", "routeAddDefault",
		"configureDNS", "configureHosts", "startSocketRelay", "stopSocketRelay",
		"createProcess", "kill", "waitProcess", "umount",
	} {
		d.Handle(m, noopHandler)
	}
	d.Handle("startProcess", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return struct {
			PID int `json:"pid"`
		}{PID: pid}, nil
	})
}

func TestCreateStartStopHappyPath(t *testing.T) {
	d := agentrpc.NewDispatcher()
	registerContainerHandlers(d, 777)
	fake := newGuestDouble(t, d)

	var states []string
	c := New("c1", Configuration{
		Interfaces: []Interface{{Name: "eth0", Address: "192.168.127.2/24", Gateway: "192.168.127.1"}},
		Process:    ProcessSpec{Args: []string{"/bin/sh"}},
	}, fake, func(id, state string) { states = append(states, state) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.State() != StateCreated {
		t.Fatalf("state after Create = %s, want created", c.State())
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != StateStarted {
		t.Fatalf("state after Start = %s, want started", c.State())
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state after Stop = %s, want stopped", c.State())
	}

	// Stop is idempotent.
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	wantPrefix := []string{StateCreating, StateCreated, StateStarting, StateStarted, StateStopping, StateStopped}
	if len(states) < len(wantPrefix) {
		t.Fatalf("states = %v, want at least %v", states, wantPrefix)
	}
	for i, want := range wantPrefix {
		if states[i] != want {
			t.Fatalf("states[%d] = %s, want %s (full: %v)", i, states[i], want, states)
		}
	}
}

func TestStartBeforeCreateIsIllegalTransition(t *testing.T) {
	d := agentrpc.NewDispatcher()
	registerContainerHandlers(d, 1)
	fake := newGuestDouble(t, d)

	c := New("c1", Configuration{}, fake, nil)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error starting a container that was never created")
	}
	if c.State() != StateInitialized {
		t.Fatalf("state = %s, want initialized unchanged", c.State())
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	d := agentrpc.NewDispatcher()
	registerContainerHandlers(d, 42)
	fake := newGuestDouble(t, d)

	c := New("c1", Configuration{Process: ProcessSpec{Args: []string{"/bin/sh"}}}, fake, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if c.State() != StatePaused {
		t.Fatalf("state = %s, want paused", c.State())
	}
	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if c.State() != StateStarted {
		t.Fatalf("state = %s, want started", c.State())
	}
}

func TestReCreationAllowedAfterStop(t *testing.T) {
	d := agentrpc.NewDispatcher()
	registerContainerHandlers(d, 9)
	fake := newGuestDouble(t, d)

	c := New("c1", Configuration{Process: ProcessSpec{Args: []string{"/bin/sh"}}}, fake, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Create(ctx); err != nil {
		t.Fatalf("re-Create after stop: %v", err)
	}
	if c.State() != StateCreated {
		t.Fatalf("state = %s, want created", c.State())
	}
}

func TestIdleTrackerTouchedByAgentCallsAndResetOnStop(t *testing.T) {
	d := agentrpc.NewDispatcher()
	registerContainerHandlers(d, 123)
	fake := newGuestDouble(t, d)

	c := New("c1", Configuration{Process: ProcessSpec{Args: []string{"/bin/sh"}}}, fake, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	time.Sleep(5 * time.Millisecond)
	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if idleFor, conns := c.Idle().IdleSince(); idleFor > time.Second || conns != 0 {
		t.Fatalf("IdleSince after Create = (%v, %d), want recent activity and 0 conns", idleFor, conns)
	}

	c.Idle().ConnOpened()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, conns := c.Idle().IdleSince(); conns != 1 {
		t.Fatalf("conns after explicit ConnOpened = %d, want 1", conns)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, conns := c.Idle().IdleSince(); conns != 0 {
		t.Fatalf("conns after Stop = %d, want reset to 0", conns)
	}
}

func TestIdleTrackerIdleSinceReflectsTouch(t *testing.T) {
	tr := newIdleTracker()
	time.Sleep(5 * time.Millisecond)
	before, conns := tr.IdleSince()
	if before <= 0 {
		t.Fatalf("idle duration = %v, want > 0", before)
	}
	if conns != 0 {
		t.Fatalf("conns = %d, want 0", conns)
	}

	tr.Touch()
	after, _ := tr.IdleSince()
	if after >= before {
		t.Fatalf("Touch did not reset idle duration: before=%v after=%v", before, after)
	}

	tr.ConnOpened()
	if _, conns := tr.IdleSince(); conns != 1 {
		t.Fatalf("conns after ConnOpened = %d, want 1", conns)
	}
	tr.ConnClosed()
	if _, conns := tr.IdleSince(); conns != 0 {
		t.Fatalf("conns after ConnClosed = %d, want 0", conns)
	}
	tr.ConnClosed()
	if _, conns := tr.IdleSince(); conns != 0 {
		t.Fatalf("conns after extra ConnClosed = %d, want clamped to 0", conns)
	}
}

func TestAlignMemoryDefaultsAndRoundsUpToMiB(t *testing.T) {
	if got := alignMemory(0); got != defaultMemoryBytes {
		t.Fatalf("alignMemory(0) = %d, want %d", got, defaultMemoryBytes)
	}
	if got := alignMemory(1); got != 1<<20 {
		t.Fatalf("alignMemory(1) = %d, want %d", got, 1<<20)
	}
	if got := alignMemory(1 << 20); got != 1<<20 {
		t.Fatalf("alignMemory(1MiB) = %d, want unchanged", got)
	}
}
