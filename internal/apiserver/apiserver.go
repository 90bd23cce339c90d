// Package apiserver is the host control-plane API nanovisorctl speaks to
// nanovisord over a unix domain socket: one newline-delimited JSON-RPC 2.0
// request per line, the same message shape (and the same "classify
// then dispatch" idiom) as the teacher's internal/harness/rpc.go uses for
// the guest-harness<->aegisd control channel, just carried over a unix
// socket instead of a vsock-proxied TCP connection.
package apiserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/nanovisor/nanovisor/internal/container"
	"github.com/nanovisor/nanovisor/internal/failure"
	"github.com/nanovisor/nanovisor/internal/manager"
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server accepts connections on a unix socket and dispatches each request
// line to the Manager.
type Server struct {
	mgr *manager.Manager
	ln  net.Listener
}

// Listen binds socketPath (removing any stale socket file left by a
// previous, uncleanly-terminated daemon) and returns a Server ready to
// Serve.
func Listen(socketPath string, mgr *manager.Manager) (*Server, error) {
	_ = removeStaleSocket(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, failure.Wrap(failure.InternalError, "listen on "+socketPath, err)
	}
	return &Server{mgr: mgr, ln: ln}, nil
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Printf("apiserver: invalid request: %v", err)
			continue
		}
		resp := s.dispatch(ctx, req)
		data, err := json.Marshal(resp)
		if err != nil {
			log.Printf("apiserver: marshal response: %v", err)
			return
		}
		data = append(data, '\n')
		if _, err := conn.Write(data); err != nil {
			log.Printf("apiserver: write response: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	resp := response{JSONRPC: "2.0", ID: req.ID}
	result, err := s.call(ctx, req.Method, req.Params)
	if err != nil {
		resp.Error = &rpcError{Code: errorCode(err), Message: err.Error()}
		return resp
	}
	if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &rpcError{Code: -32000, Message: merr.Error()}
			return resp
		}
		resp.Result = raw
	}
	return resp
}

func errorCode(err error) int {
	switch failure.KindOf(err) {
	case failure.NotFound:
		return -32001
	case failure.Exists:
		return -32002
	case failure.InvalidState, failure.InvalidArgument:
		return -32003
	case failure.Unsupported:
		return -32004
	case failure.Timeout:
		return -32005
	default:
		return -32000
	}
}

type createParams struct {
	ID       string                  `json:"id"`
	ImageRef string                  `json:"imageRef"`
	Pull     bool                    `json:"pull"`
	Config   container.Configuration `json:"config"`
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) call(ctx context.Context, method string, raw json.RawMessage) (interface{}, error) {
	switch method {
	case "createContainer":
		var p createParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, failure.Wrap(failure.InvalidArgument, "decode createContainer params", err)
		}
		_, err := s.mgr.CreateContainer(ctx, p.ID, manager.CreateOptions{ImageRef: p.ImageRef, Pull: p.Pull, Config: p.Config})
		return nil, err
	case "startContainer":
		p, err := decodeID(raw)
		if err != nil {
			return nil, err
		}
		return nil, s.mgr.StartContainer(ctx, p.ID)
	case "stopContainer":
		p, err := decodeID(raw)
		if err != nil {
			return nil, err
		}
		return nil, s.mgr.StopContainer(ctx, p.ID)
	case "pauseContainer":
		p, err := decodeID(raw)
		if err != nil {
			return nil, err
		}
		return nil, s.mgr.PauseContainer(ctx, p.ID)
	case "resumeContainer":
		p, err := decodeID(raw)
		if err != nil {
			return nil, err
		}
		return nil, s.mgr.ResumeContainer(ctx, p.ID)
	case "deleteContainer":
		p, err := decodeID(raw)
		if err != nil {
			return nil, err
		}
		return nil, s.mgr.DeleteContainer(ctx, p.ID)
	case "listContainers":
		return s.mgr.List(), nil
	case "getContainer":
		p, err := decodeID(raw)
		if err != nil {
			return nil, err
		}
		return s.mgr.Get(p.ID)
	default:
		return nil, failure.Newf(failure.Unsupported, "method %q not supported", method)
	}
}

func decodeID(raw json.RawMessage) (idParams, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return idParams{}, failure.Wrap(failure.InvalidArgument, "decode params", err)
	}
	return p, nil
}

// Client dials a running nanovisord's control socket and issues requests,
// used by nanovisorctl.
type Client struct {
	conn   net.Conn
	reader *bufio.Scanner
	nextID int
}

// Dial connects to the daemon's unix socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, failure.Wrap(failure.TransportUnavailable, "dial "+socketPath, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Client{conn: conn, reader: scanner}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call issues one request and decodes its result into out (if non-nil).
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	c.nextID++
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	req := request{JSONRPC: "2.0", Method: method, Params: paramsRaw, ID: c.nextID}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return fmt.Errorf("recv %s: %w", method, err)
		}
		return fmt.Errorf("recv %s: connection closed", method)
	}

	var resp response
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %s", method, resp.Error.Message)
	}
	if out != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func removeStaleSocket(path string) error {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		return nil // a daemon is already listening; Listen will fail loudly
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
