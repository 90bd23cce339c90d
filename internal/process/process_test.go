package process

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nanovisor/nanovisor/internal/agentrpc"
	"github.com/nanovisor/nanovisor/internal/vmm"
)

func newAgentPair(t *testing.T) (*agentrpc.Caller, *agentrpc.Dispatcher, func()) {
	t.Helper()
	a, b := net.Pipe()
	hostCh := vmm.NewNetControlChannel(a)
	guestCh := vmm.NewNetControlChannel(b)

	d := agentrpc.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, guestCh)

	caller := agentrpc.NewCaller(hostCh, nil)
	return caller, d, func() { cancel(); caller.Close() }
}

func TestValidateRejectsTerminalWithStderrPort(t *testing.T) {
	p := New(Spec{ID: "p1", Terminal: true}, StdioPorts{Stdin: 1, Stdout: 2, Stderr: 3}, nil, nil)
	if err := p.validate(); err == nil {
		t.Fatal("expected validation error for terminal+stderr")
	}
}

func TestStartIssuesCreateThenStartProcess(t *testing.T) {
	caller, d, cleanup := newAgentPair(t)
	defer cleanup()

	var createSeen, startSeen bool
	d.Handle("createProcess", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		createSeen = true
		return nil, nil
	})
	d.Handle("startProcess", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		startSeen = true
		return startProcessResult{PID: 4242}, nil
	})

	vm := vmm.NewFake(vmm.BackendCaps{Name: "fake"})
	handle, err := vm.Create(context.Background(), "c1", vmm.Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	p := New(Spec{ID: "p1", ContainerID: "c1"}, StdioPorts{Stdin: 0x10000001}, handle, caller)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	attached := 0
	if err := p.Start(ctx, func(port uint32, ch vmm.ControlChannel) error {
		attached++
		return nil
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !createSeen || !startSeen {
		t.Fatalf("createSeen=%v startSeen=%v", createSeen, startSeen)
	}
	if attached != 1 {
		t.Fatalf("attached = %d, want 1", attached)
	}
	if p.PID() != 4242 {
		t.Fatalf("PID() = %d, want 4242", p.PID())
	}
}

func TestResizeRejectedForNonTerminalProcess(t *testing.T) {
	p := New(Spec{ID: "p1", Terminal: false}, StdioPorts{}, nil, nil)
	if err := p.Resize(context.Background(), 80, 24); err == nil {
		t.Fatal("expected error resizing a non-terminal process")
	}
}

func TestNextPortsAreMonotonicAndDistinctCounters(t *testing.T) {
	h1 := NextHostPort()
	h2 := NextHostPort()
	g1 := NextGuestPort()
	if h2 != h1+1 {
		t.Fatalf("host ports not monotonic: %d, %d", h1, h2)
	}
	if g1 < 0x10000000 {
		t.Fatalf("guest port %d below base", g1)
	}
}
