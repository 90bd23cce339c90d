package agentrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nanovisor/nanovisor/internal/vmm"
)

// Caller is the host-side half of the protocol: it issues requests to the
// guest init/agent over a ControlChannel and demultiplexes replies (and any
// notifications the guest emits) on a single receive goroutine.
type Caller struct {
	ch      vmm.ControlChannel
	mu      sync.Mutex // serializes writes and guards pending
	pending map[interface{}]chan json.RawMessage
	nextID  int64

	onNotify func(method string, params json.RawMessage)

	done   chan struct{}
	cancel context.CancelFunc
}

// NewCaller starts a Caller's receive loop against ch immediately. onNotify
// may be nil if the caller doesn't care about guest-emitted notifications
// (e.g. log lines, exit events delivered out of band).
func NewCaller(ch vmm.ControlChannel, onNotify func(method string, params json.RawMessage)) *Caller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Caller{
		ch:       ch,
		pending:  map[interface{}]chan json.RawMessage{},
		onNotify: onNotify,
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go c.recvLoop(ctx)
	return c
}

func (c *Caller) recvLoop(ctx context.Context) {
	defer close(c.done)
	for {
		msg, err := c.ch.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || strings.Contains(err.Error(), "closed") {
				return
			}
			log.Printf("agentrpc: caller recv error: %v", err)
			c.mu.Lock()
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Printf("agentrpc: caller invalid JSON: %v", err)
			continue
		}

		switch {
		case env.Method == "" && env.ID != nil:
			id := normalizeID(env.ID)
			c.mu.Lock()
			respCh, ok := c.pending[id]
			if ok {
				delete(c.pending, id)
			}
			c.mu.Unlock()
			if !ok {
				log.Printf("agentrpc: caller no pending call for id=%v", env.ID)
				continue
			}
			if env.Error != nil {
				errBytes, _ := json.Marshal(env.Error)
				respCh <- errBytes
			} else {
				respCh <- env.Result
			}
		case env.Method != "" && env.ID == nil:
			if c.onNotify != nil {
				c.onNotify(env.Method, env.Params)
			}
		default:
			log.Printf("agentrpc: caller unclassified message: %s", string(msg))
		}
	}
}

// Call issues method with params and unmarshals the result into out (which
// may be nil if the result is not needed). Guest-side errors surface as a
// *CallError.
func (c *Caller) Call(ctx context.Context, method string, params, out interface{}) error {
	id := float64(atomic.AddInt64(&c.nextID, 1))
	respCh := make(chan json.RawMessage, 1)

	c.mu.Lock()
	c.pending[id] = respCh
	var paramsRaw json.RawMessage
	var err error
	if params != nil {
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			delete(c.pending, id)
			c.mu.Unlock()
			return fmt.Errorf("marshal params for %s: %w", method, err)
		}
	}
	req := request{JSONRPC: "2.0", Method: method, Params: paramsRaw, ID: id}
	reqBytes, _ := json.Marshal(req)
	sendErr := c.ch.Send(ctx, reqBytes)
	c.mu.Unlock()

	if sendErr != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w", method, sendErr)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case raw, ok := <-respCh:
		if !ok {
			return fmt.Errorf("channel closed while waiting for %s response", method)
		}
		var maybeErr rpcError
		if json.Unmarshal(raw, &maybeErr) == nil && maybeErr.Message != "" {
			return &CallError{Method: method, Code: maybeErr.Code, Message: maybeErr.Message}
		}
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return fmt.Errorf("caller stopped while waiting for %s response", method)
	}
}

// CallError is returned when the guest reports an RPC-level error.
type CallError struct {
	Method  string
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Method, e.Message, e.Code)
}

// Close stops the receive loop and closes the underlying channel.
func (c *Caller) Close() {
	c.cancel()
	c.ch.Close()
	<-c.done
}
