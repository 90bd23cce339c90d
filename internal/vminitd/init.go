package vminitd

import (
	"context"
	"log"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/nanovisor/nanovisor/internal/agentrpc"
	"github.com/nanovisor/nanovisor/internal/failure"
	"github.com/nanovisor/nanovisor/internal/transport"
)

// AgentPort is the well-known vsock port vminitd listens on for Agent RPC.
const AgentPort = 0x10000000

// Run is PID 1's main loop: mount setup, subreaper registration, SIGCHLD
// reaping, and serving Agent RPC connections from the host until ctx is
// cancelled (SIGTERM/SIGINT).
func Run() error {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("vminitd starting")

	if err := MountEssential(); err != nil {
		return err
	}
	if err := BecomeSubreaper(); err != nil {
		return failure.Wrap(failure.InternalError, "become subreaper", err)
	}

	reg := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, unix.SIGCHLD, unix.SIGTERM, unix.SIGINT)
	go func() {
		for sig := range sigCh {
			switch sig {
			case unix.SIGCHLD:
				Reap(reg)
			case unix.SIGTERM, unix.SIGINT:
				log.Printf("vminitd: received %v, shutting down", sig)
				cancel()
			}
		}
	}()

	listener, err := transport.ListenGuest(AgentPort)
	if err != nil {
		return err
	}
	defer listener.Close()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	d := newDispatcher(reg)

	for {
		ch, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("vminitd: accept: %v", err)
			continue
		}
		go func() {
			if err := d.Serve(ctx, ch); err != nil {
				log.Printf("vminitd: dispatcher: %v", err)
			}
		}()
	}
}

func newDispatcher(reg *Registry) *agentrpc.Dispatcher {
	d := agentrpc.NewDispatcher()
	d.Handle("standardSetup", handleStandardSetup)
	d.Handle("mount", handleMount)
	d.Handle("umount", handleUmount)
	d.Handle("addressAdd", handleAddressAdd)
	d.Handle("up", handleUp)
	d.Handle("down", handleDown)
	d.Handle("routeAddDefault", handleRouteAddDefault)
	d.Handle("configureDNS", handleConfigureDNS)
	d.Handle("configureHosts", handleConfigureHosts)
	d.Handle("interfaceStatistics", handleInterfaceStatistics)
	registerProcessHandlers(d, reg)
	return d
}
