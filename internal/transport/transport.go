// Package transport implements the vsock byte-stream transport both halves
// of the system dial/listen on, replacing this system's previous hand-rolled
// AF_VSOCK syscalls with the real vsock library.
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/nanovisor/nanovisor/internal/failure"
	"github.com/nanovisor/nanovisor/internal/vmm"
)

// HostCID is the well-known CID a guest dials to reach the host.
const HostCID = vsock.ContextIDHost

// DialGuest is called from the host side: cid identifies the running VM's
// vsock context, port is the well-known or allocated port to connect to.
func DialGuest(ctx context.Context, cid uint32, port uint32) (vmm.ControlChannel, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, failure.Wrap(failure.TransportUnavailable, fmt.Sprintf("dial vsock cid=%d port=%d", cid, port), err)
	}
	return vmm.NewNetControlChannel(conn), nil
}

// ListenHost opens a host-side vsock listener bound to port, accepting
// connections a guest dials back on (e.g. a process's stdout/stderr pipes).
func ListenHost(port uint32) (*Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, failure.Wrap(failure.TransportUnavailable, fmt.Sprintf("listen vsock port=%d", port), err)
	}
	return &Listener{l: l}, nil
}

// ListenGuest is called from inside a guest to bind the well-known agent RPC
// port (or a stdio back-connect port) on its own vsock context. Listen binds
// the calling context's own CID, which inside a guest is the VM's CID.
func ListenGuest(port uint32) (*Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, failure.Wrap(failure.TransportUnavailable, fmt.Sprintf("listen guest vsock port=%d", port), err)
	}
	return &Listener{l: l}, nil
}

// DialHost is called from inside a guest to connect back to the host.
func DialHost(ctx context.Context, port uint32) (vmm.ControlChannel, error) {
	conn, err := vsock.Dial(HostCID, port, nil)
	if err != nil {
		return nil, failure.Wrap(failure.TransportUnavailable, fmt.Sprintf("dial host vsock port=%d", port), err)
	}
	return vmm.NewNetControlChannel(conn), nil
}

// DialHostRaw is DialHost without the newline-delimited JSON ControlChannel
// framing: it hands back the bare net.Conn for callers relaying arbitrary
// binary data (process stdio) rather than Agent RPC messages.
func DialHostRaw(ctx context.Context, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(HostCID, port, nil)
	if err != nil {
		return nil, failure.Wrap(failure.TransportUnavailable, fmt.Sprintf("dial host vsock port=%d (raw)", port), err)
	}
	return conn, nil
}

// Listener adapts *vsock.Listener to vmm.Listener, wrapping each accepted
// net.Conn in the shared newline-delimited JSON ControlChannel framing.
type Listener struct {
	l *vsock.Listener
}

func (ls *Listener) Accept(ctx context.Context) (vmm.ControlChannel, error) {
	conn, err := ls.l.Accept()
	if err != nil {
		return nil, failure.Wrap(failure.TransportUnavailable, "accept vsock connection", err)
	}
	return vmm.NewNetControlChannel(conn), nil
}

func (ls *Listener) Close() error { return ls.l.Close() }
