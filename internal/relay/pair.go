package relay

import (
	"io"
	"os"
	"sync"

	"github.com/nanovisor/nanovisor/internal/failure"
)

const scratchSize = 4096 // one page

// Peer is the vsock-backed (or otherwise byte-stream) side of a relay pair.
type Peer interface {
	io.Reader
	io.Writer
	Close() error
}

// Pair relays bytes bidirectionally between a guest-local stream (typically
// a pty master or a pipe end) and a Peer (a vsock connection back to the
// host), until either side closes. It is idempotent to Close a Pair more
// than once, and from any goroutine, since both the process exit path and
// a peer-closed Recv error can race to tear it down.
type Pair struct {
	master    *os.File
	peer      Peer
	ignoreHup bool
	poller    *Poller

	closeOnce sync.Once
	closeErr  error

	done chan struct{} // closed once both copy directions have finished
	wg   sync.WaitGroup
}

// NewPair starts relaying immediately between master and peer. ignoreHup, set
// for pty masters, keeps reading past EPOLLHUP until a read truly returns
// zero bytes — a pty master reports HUP as soon as the slave side closes,
// but output written just before exit may still be sitting unread in the
// line discipline's buffer.
func NewPair(master *os.File, peer Peer, ignoreHup bool) (*Pair, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}
	if err := poller.Add(master); err != nil {
		poller.Close()
		return nil, err
	}

	p := &Pair{master: master, peer: peer, ignoreHup: ignoreHup, poller: poller, done: make(chan struct{})}
	p.wg.Add(2)
	go p.masterToPeer()
	go p.peerToMaster()
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p, nil
}

// Done is closed once both copy directions have completed (normally,
// because one side hit EOF/HUP-and-drained).
func (p *Pair) Done() <-chan struct{} { return p.done }

func (p *Pair) masterToPeer() {
	defer p.wg.Done()
	buf := make([]byte, scratchSize)
	for {
		events, err := p.poller.Wait()
		if err != nil {
			return
		}
		var readable, hup bool
		for _, ev := range events {
			if ev.Fd == int32(p.master.Fd()) {
				readable = readable || ev.Readable
				hup = hup || ev.Hup || ev.Err
			}
		}
		if readable {
			n, rerr := p.master.Read(buf)
			if n > 0 {
				if _, werr := p.peer.Write(buf[:n]); werr != nil {
					return
				}
			}
			if rerr != nil {
				return
			}
			continue
		}
		if hup {
			if !p.ignoreHup {
				return
			}
			// Drain any bytes still buffered in the line discipline before
			// treating the hangup as final.
			n, rerr := p.master.Read(buf)
			if n > 0 {
				if _, werr := p.peer.Write(buf[:n]); werr != nil {
					return
				}
			}
			if n == 0 || rerr != nil {
				return
			}
		}
	}
}

func (p *Pair) peerToMaster() {
	defer p.wg.Done()
	buf := make([]byte, scratchSize)
	for {
		n, err := p.peer.Read(buf)
		if n > 0 {
			if _, werr := p.master.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Close tears down both sides exactly once.
func (p *Pair) Close() error {
	p.closeOnce.Do(func() {
		p.poller.Remove(p.master)
		if err := p.master.Close(); err != nil {
			p.closeErr = failure.Wrap(failure.InternalError, "close master", err)
		}
		if err := p.peer.Close(); err != nil && p.closeErr == nil {
			p.closeErr = failure.Wrap(failure.InternalError, "close peer", err)
		}
		p.poller.Close()
	})
	return p.closeErr
}
