package manager

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nanovisor/nanovisor/internal/agentrpc"
	"github.com/nanovisor/nanovisor/internal/config"
	"github.com/nanovisor/nanovisor/internal/container"
	"github.com/nanovisor/nanovisor/internal/failure"
	"github.com/nanovisor/nanovisor/internal/vmm"
)

// newGuestDouble mirrors internal/container's test double: every Dial call
// gets its own live net.Pipe RPC conversation served by d.
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

func registerHandlers(d *agentrpc.Dispatcher, pid int) {
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

// plantContainer inserts a Container directly into a Manager's map, bypassing
// CreateContainer's image-store dependency (an external registry pull is out
// of scope for this test) so lifecycle-forwarding and bookkeeping can still
// be exercised against a real Container driven by a fake VMM.
func plantContainer(t *testing.T, m *Manager, id string) *container.Container {
	t.Helper()
	d := agentrpc.NewDispatcher()
	registerHandlers(d, 4242)
	fake := newGuestDouble(t, d)

	c := container.New(id, container.Configuration{
		Process: container.ProcessSpec{Args: []string{"/bin/sh"}},
	}, fake, m.notify)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}

	m.mu.Lock()
	m.containers[id] = &entry{c: c, image: "test/image:latest"}
	m.mu.Unlock()
	return c
}

func newTestManager() *Manager {
	cfg := config.DefaultConfig()
	return New(vmm.NewFake(vmm.BackendCaps{Name: "fake"}), cfg, nil)
}

func TestStartStopForwardsToContainer(t *testing.T) {
	m := newTestManager()
	plantContainer(t, m, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := m.StartContainer(ctx, "c1"); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}
	info, err := m.Get("c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.State != container.StateStarted {
		t.Fatalf("state = %s, want started", info.State)
	}

	if err := m.StopContainer(ctx, "c1"); err != nil {
		t.Fatalf("StopContainer: %v", err)
	}
	if info, _ := m.Get("c1"); info.State != container.StateStopped {
		t.Fatalf("state after stop = %s, want stopped", info.State)
	}

	// Stop is idempotent, forwarded straight through to Container.Stop.
	if err := m.StopContainer(ctx, "c1"); err != nil {
		t.Fatalf("second StopContainer: %v", err)
	}
}

func TestUnknownContainerOperationsFailNotFound(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	for _, op := range []func(context.Context, string) error{
		m.StartContainer, m.StopContainer, m.PauseContainer, m.ResumeContainer, m.DeleteContainer,
	} {
		if err := op(ctx, "missing"); !failure.Is(err, failure.NotFound) {
			t.Fatalf("op on missing container: err = %v, want notFound", err)
		}
	}
	if _, err := m.Get("missing"); !failure.Is(err, failure.NotFound) {
		t.Fatalf("Get missing: err = %v, want notFound", err)
	}
}

func TestDeleteRejectsRunningContainer(t *testing.T) {
	m := newTestManager()
	plantContainer(t, m, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.StartContainer(ctx, "c1"); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}

	if err := m.DeleteContainer(ctx, "c1"); !failure.Is(err, failure.InvalidState) {
		t.Fatalf("DeleteContainer while started: err = %v, want invalidState", err)
	}

	if err := m.StopContainer(ctx, "c1"); err != nil {
		t.Fatalf("StopContainer: %v", err)
	}
	if err := m.DeleteContainer(ctx, "c1"); err != nil {
		t.Fatalf("DeleteContainer after stop: %v", err)
	}
	if _, err := m.Get("c1"); !failure.Is(err, failure.NotFound) {
		t.Fatalf("Get after delete: err = %v, want notFound", err)
	}
}

func TestCreateContainerRejectsDuplicateID(t *testing.T) {
	m := newTestManager()
	plantContainer(t, m, "c1")

	_, err := m.CreateContainer(context.Background(), "c1", CreateOptions{ImageRef: "test/image:latest"})
	if !failure.Is(err, failure.Exists) {
		t.Fatalf("CreateContainer duplicate id: err = %v, want exists", err)
	}
}

func TestIdleTickPausesStartedContainerPastThreshold(t *testing.T) {
	m := newTestManager()
	m.cfg.PauseAfterIdle = time.Millisecond
	c := plantContainer(t, m, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.StartContainer(ctx, "c1"); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if done := m.idleTick(c); done {
		t.Fatal("idleTick reported done pausing a started container")
	}
	if c.State() != container.StatePaused {
		t.Fatalf("state after idleTick = %s, want paused", c.State())
	}
}

func TestIdleTickNeverStopsAnAlreadyPausedContainer(t *testing.T) {
	m := newTestManager()
	m.cfg.PauseAfterIdle = time.Millisecond
	m.cfg.StopAfterIdle = time.Millisecond
	c := plantContainer(t, m, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.StartContainer(ctx, "c1"); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	// A single tick may pause or stop, never both in the same pass: by the
	// time a container is paused it's no longer StateStarted, so a second
	// tick must be a no-op rather than attempting an illegal Stop from
	// StatePaused.
	m.idleTick(c)
	if c.State() != container.StatePaused {
		t.Fatalf("state after first idleTick = %s, want paused", c.State())
	}
	if done := m.idleTick(c); done {
		t.Fatal("idleTick reported done for a paused container")
	}
	if c.State() != container.StatePaused {
		t.Fatalf("state after second idleTick = %s, want still paused", c.State())
	}
}

func TestIdleTickSkipsContainerWithAttachedSession(t *testing.T) {
	m := newTestManager()
	m.cfg.PauseAfterIdle = time.Millisecond
	c := plantContainer(t, m, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.StartContainer(ctx, "c1"); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	c.Idle().ConnOpened()
	if done := m.idleTick(c); done {
		t.Fatal("idleTick reported done for a container with an attached session")
	}
	if c.State() != container.StateStarted {
		t.Fatalf("state = %s, want unchanged started", c.State())
	}
}

func TestListReportsAllTrackedContainers(t *testing.T) {
	m := newTestManager()
	plantContainer(t, m, "c1")
	plantContainer(t, m, "c2")

	infos := m.List()
	if len(infos) != 2 {
		t.Fatalf("List len = %d, want 2", len(infos))
	}
	seen := map[string]bool{}
	for _, info := range infos {
		seen[info.ID] = true
		if info.State != container.StateCreated {
			t.Fatalf("container %s state = %s, want created", info.ID, info.State)
		}
	}
	if !seen["c1"] || !seen["c2"] {
		t.Fatalf("List = %v, missing expected ids", infos)
	}
}
