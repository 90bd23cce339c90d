package relay

import (
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// socketpairFile returns both ends of an AF_UNIX SOCK_STREAM socketpair as
// *os.File, standing in for a pty master/slave pair in tests (both support
// epoll the same way a real pty master fd does).
func socketpairFile(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return os.NewFile(uintptr(fds[0]), "a"), os.NewFile(uintptr(fds[1]), "b")
}

type pipePeer struct {
	net.Conn
}

func TestPairRelaysBothDirections(t *testing.T) {
	master, otherEnd := socketpairFile(t)
	peerConn, remoteConn := net.Pipe()
	peer := pipePeer{peerConn}

	pair, err := NewPair(master, peer, false)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer pair.Close()

	// otherEnd -> master -> peer -> remoteConn
	if _, err := otherEnd.Write([]byte("from-guest")); err != nil {
		t.Fatalf("write otherEnd: %v", err)
	}
	buf := make([]byte, 64)
	remoteConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := remoteConn.Read(buf)
	if err != nil {
		t.Fatalf("read remoteConn: %v", err)
	}
	if string(buf[:n]) != "from-guest" {
		t.Fatalf("got %q, want from-guest", buf[:n])
	}

	// remoteConn -> peer -> master -> otherEnd
	if _, err := remoteConn.Write([]byte("from-host")); err != nil {
		t.Fatalf("write remoteConn: %v", err)
	}
	n, err = otherEnd.Read(buf)
	if err != nil {
		t.Fatalf("read otherEnd: %v", err)
	}
	if string(buf[:n]) != "from-host" {
		t.Fatalf("got %q, want from-host", buf[:n])
	}
}

func TestPairCloseIsIdempotent(t *testing.T) {
	master, otherEnd := socketpairFile(t)
	defer otherEnd.Close()
	peerConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	pair, err := NewPair(master, pipePeer{peerConn}, true)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	if err := pair.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := pair.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
