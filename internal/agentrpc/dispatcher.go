package agentrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nanovisor/nanovisor/internal/failure"
	"github.com/nanovisor/nanovisor/internal/vmm"
)

// Handler implements one guest-side RPC method. It returns the result value
// to marshal, or an error (surfaced to the host as an RPC-level error).
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Dispatcher is the guest-side half of the protocol: it serves incoming
// requests from the host over a ControlChannel, routing each by method name
// to a registered Handler. Unregistered methods return "unsupported" rather
// than failing the whole connection, matching the optional-capability
// methods (configureDNS, interfaceStatistics, ...) a minimal guest build may
// not implement.
type Dispatcher struct {
	handlers map[string]Handler
	notify   func(method string, params interface{})
}

// NewDispatcher creates an empty Dispatcher. Register handlers with
// Handle before calling Serve.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[string]Handler{}}
}

// Handle registers h for method, overwriting any previous registration.
func (d *Dispatcher) Handle(method string, h Handler) {
	d.handlers[method] = h
}

// Serve reads requests from ch until ctx is cancelled or the channel
// closes, dispatching each on its own goroutine so a slow handler (e.g.
// waitProcess) never blocks other in-flight calls.
func (d *Dispatcher) Serve(ctx context.Context, ch vmm.ControlChannel) error {
	for {
		msg, err := ch.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dispatcher recv: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Printf("agentrpc: dispatcher invalid JSON: %v", err)
			continue
		}
		if env.Method == "" || env.ID == nil {
			// Not a request we answer (a reply to our own notification, or a
			// malformed frame); ignore.
			continue
		}

		go d.handleRequest(ctx, ch, env)
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, ch vmm.ControlChannel, env envelope) {
	h, ok := d.handlers[env.Method]
	if !ok {
		d.reply(ctx, ch, env.ID, nil, failure.Newf(failure.Unsupported, "method %q not supported", env.Method))
		return
	}
	result, err := h(ctx, env.Params)
	d.reply(ctx, ch, env.ID, result, err)
}

func (d *Dispatcher) reply(ctx context.Context, ch vmm.ControlChannel, id interface{}, result interface{}, err error) {
	resp := response{JSONRPC: "2.0", ID: id}
	if err != nil {
		resp.Error = &rpcError{Code: -32000, Message: err.Error()}
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &rpcError{Code: -32000, Message: merr.Error()}
		} else {
			resp.Result = raw
		}
	}
	data, merr := json.Marshal(resp)
	if merr != nil {
		log.Printf("agentrpc: marshal response: %v", merr)
		return
	}
	if serr := ch.Send(ctx, data); serr != nil {
		log.Printf("agentrpc: send response: %v", serr)
	}
}

// Notify sends a one-way notification to the host (used for log lines and
// process exit events that are not replies to any request).
func (d *Dispatcher) Notify(ctx context.Context, ch vmm.ControlChannel, method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal notification params: %w", err)
	}
	n := notification{JSONRPC: "2.0", Method: method, Params: raw}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return ch.Send(ctx, data)
}
