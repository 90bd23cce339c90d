// Package relay implements the byte-stream relay fabric that copies data
// between a process's stdio (or pty master) and its vsock-backed host
// endpoint, inside the guest.
package relay

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/nanovisor/nanovisor/internal/failure"
)

// Event reports one fd's readiness after a Wait call.
type Event struct {
	Fd       int32
	Readable bool
	Hup      bool
	Err      bool
}

const maxEvents = 8

// Poller is a level-triggered epoll instance. Level-triggering matters here:
// a pty master that hangs up with unread bytes still buffered must keep
// reporting EPOLLIN until those bytes are drained, then finally EPOLLHUP.
type Poller struct {
	fd      int
	watched map[int32]*os.File
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "epoll_create1", err)
	}
	return &Poller{fd: fd, watched: map[int32]*os.File{}}, nil
}

// Add registers f for read/hup/error notifications.
func (p *Poller) Add(f *os.File) error {
	fd := int32(f.Fd())
	ev := unix.EpollEvent{
		Fd:     fd,
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLRDHUP,
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return failure.Wrap(failure.InternalError, "epoll_ctl add", err)
	}
	p.watched[fd] = f
	return nil
}

// Remove unregisters f. Safe to call after f has already been closed (the
// kernel drops the registration automatically in that case).
func (p *Poller) Remove(f *os.File) {
	fd := int32(f.Fd())
	unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, int(fd), nil)
	delete(p.watched, fd)
}

// Wait blocks until at least one watched fd is ready, returning its events.
func (p *Poller) Wait() ([]Event, error) {
	raw := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(p.fd, raw, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, failure.Wrap(failure.InternalError, "epoll_wait", err)
		}
		out := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			e := raw[i]
			out = append(out, Event{
				Fd:       e.Fd,
				Readable: e.Events&(unix.EPOLLIN) != 0,
				Hup:      e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
				Err:      e.Events&unix.EPOLLERR != 0,
			})
		}
		return out, nil
	}
}

func (p *Poller) Close() error { return unix.Close(p.fd) }
