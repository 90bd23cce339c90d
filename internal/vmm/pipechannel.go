package vmm

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// pipeChannel is an in-memory, loopback ControlChannel used by Fake: writes
// on one side are framed as newline-delimited JSON, same as NetControlChannel,
// and read back from the same side (a loopback, not a real pair) so tests can
// assert on exactly what a real caller would have sent.
type pipeChannel struct {
	mu      sync.Mutex
	pr      *io.PipeReader
	pw      *io.PipeWriter
	scanner *bufio.Scanner
}

func newPipeChannel() *pipeChannel {
	pr, pw := io.Pipe()
	s := bufio.NewScanner(pr)
	s.Buffer(make([]byte, 1024*1024), 1024*1024)
	return &pipeChannel{pr: pr, pw: pw, scanner: s}
}

func (c *pipeChannel) Send(ctx context.Context, msg []byte) error {
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg = append(append([]byte{}, msg...), '\n')
	}
	_, err := c.pw.Write(msg)
	return err
}

func (c *pipeChannel) Recv(ctx context.Context) ([]byte, error) {
	if c.scanner.Scan() {
		line := c.scanner.Bytes()
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (c *pipeChannel) Close() error {
	c.pw.Close()
	return c.pr.Close()
}
