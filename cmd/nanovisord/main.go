// nanovisord is the host daemon: the local control plane for per-container
// microVM management. It listens on a unix socket and dispatches container
// lifecycle operations to internal/manager.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nanovisor/nanovisor/internal/apiserver"
	"github.com/nanovisor/nanovisor/internal/config"
	"github.com/nanovisor/nanovisor/internal/imagestore"
	"github.com/nanovisor/nanovisor/internal/manager"
	"github.com/nanovisor/nanovisor/internal/vmm"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "", "path to a nanovisord.yaml config file (defaults to built-in settings)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	platform, err := config.DetectPlatform()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("nanovisord starting on %s/%s (backend: %s)", platform.OS, platform.Arch, platform.Backend)

	// The concrete per-container hypervisor backend (libkrun on macOS,
	// Firecracker on Linux) is an external collaborator behind the vmm.VMM
	// interface; until one is wired in, nanovisord runs against the
	// in-memory fake backend so the rest of the control plane (image
	// resolution, lifecycle, the control socket) is fully exercised.
	backend := vmm.NewFake(vmm.BackendCaps{Name: "fake:" + platform.Backend})
	log.Printf("VMM backend: %s", backend.Capabilities().Name)

	store, err := imagestore.NewStore(cfg.ImageStoreDir, imagestore.GuestArch)
	if err != nil {
		log.Fatalf("open image store: %v", err)
	}
	log.Printf("image store: %s", cfg.ImageStoreDir)

	mgr := manager.New(backend, cfg, store)
	mgr.OnStateChange(func(id, state string) {
		log.Printf("container %s -> %s", id, state)
	})

	srv, err := apiserver.Listen(cfg.SocketPath, mgr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.SocketPath, err)
	}
	defer os.Remove(cfg.SocketPath)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	pidPath := cfg.DataDir + "/nanovisord.pid"
	_ = os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600)
	defer os.Remove(pidPath)

	log.Printf("nanovisord ready (pid %d, socket %s)", os.Getpid(), cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
	case err := <-serveErr:
		if err != nil {
			log.Printf("control socket stopped serving: %v", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	srv.Close()

	log.Println("nanovisord stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFile(path)
}
