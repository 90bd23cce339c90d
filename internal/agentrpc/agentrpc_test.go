package agentrpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nanovisor/nanovisor/internal/failure"
	"github.com/nanovisor/nanovisor/internal/vmm"
)

func newPair() (vmm.ControlChannel, vmm.ControlChannel) {
	a, b := net.Pipe()
	return vmm.NewNetControlChannel(a), vmm.NewNetControlChannel(b)
}

type echoParams struct {
	Text string `json:"text"`
}

type echoResult struct {
	Text string `json:"text"`
}

func TestCallRoundTrip(t *testing.T) {
	hostCh, guestCh := newPair()

	d := NewDispatcher()
	d.Handle("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p echoParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return echoResult{Text: p.Text}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Serve(ctx, guestCh)

	caller := NewCaller(hostCh, nil)
	defer caller.Close()

	var out echoResult
	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	if err := caller.Call(callCtx, "echo", echoParams{Text: "hi"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Text != "hi" {
		t.Fatalf("Call result = %q, want hi", out.Text)
	}
}

func TestCallUnsupportedMethodReturnsError(t *testing.T) {
	hostCh, guestCh := newPair()
	d := NewDispatcher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Serve(ctx, guestCh)

	caller := NewCaller(hostCh, nil)
	defer caller.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	err := caller.Call(callCtx, "configureDNS", nil, nil)
	if err == nil {
		t.Fatal("expected error for unregistered method")
	}
	callErr, ok := err.(*CallError)
	if !ok {
		t.Fatalf("err = %T, want *CallError", err)
	}
	_ = callErr
}

func TestDispatcherHandlerErrorPropagates(t *testing.T) {
	hostCh, guestCh := newPair()
	d := NewDispatcher()
	d.Handle("fail", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, failure.New(failure.InvalidArgument, "bad input")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Serve(ctx, guestCh)

	caller := NewCaller(hostCh, nil)
	defer caller.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	err := caller.Call(callCtx, "fail", nil, nil)
	if err == nil {
		t.Fatal("expected error from handler")
	}
}

func TestNotifyDeliveredToOnNotify(t *testing.T) {
	hostCh, guestCh := newPair()
	d := NewDispatcher()

	received := make(chan string, 1)
	caller := NewCaller(hostCh, func(method string, params json.RawMessage) {
		received <- method
	})
	defer caller.Close()

	go func() {
		d.Notify(context.Background(), guestCh, "exit", map[string]int{"code": 0})
	}()

	select {
	case m := <-received:
		if m != "exit" {
			t.Fatalf("notify method = %q, want exit", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}
