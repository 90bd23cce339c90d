package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nanovisor/nanovisor/internal/container"
)

// createParams mirrors apiserver's createContainer request shape by JSON
// field name; the two packages agree on the wire contract, not on a shared
// Go type.
type createParams struct {
	ID       string                  `json:"id"`
	ImageRef string                  `json:"imageRef"`
	Pull     bool                    `json:"pull"`
	Config   container.Configuration `json:"config"`
}

type CreateCmd struct {
	Image string `arg:"" help:"OCI image reference to create the container from"`
	ID    string `help:"container id (defaults to a random uuid)"`
	Pull  bool   `help:"pull the image from its registry (create fails without it; images are not served from a local cache)"`

	CPUs      int    `help:"vCPU count (defaults to the daemon's configured default)"`
	MemoryMB  int    `help:"memory in MiB (defaults to the daemon's configured default)"`
	Hostname  string `help:"guest hostname"`
	Cmd       []string `help:"override the image's entrypoint/cmd"`
	Cwd       string `help:"override the image's working directory"`
	Env       []string `help:"additional environment variables, NAME=value"`
	Terminal  bool   `help:"allocate a pseudo-terminal for the container's process"`
}

func (c *CreateCmd) Run(cctx *Context) error {
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}

	cfg := container.Configuration{
		CPUs:     c.CPUs,
		Hostname: c.Hostname,
		Process: container.ProcessSpec{
			Args:     c.Cmd,
			Env:      c.Env,
			Cwd:      c.Cwd,
			Terminal: c.Terminal,
		},
	}
	if c.MemoryMB > 0 {
		cfg.MemoryInBytes = uint64(c.MemoryMB) << 20
	}

	client, err := cctx.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Call(ctx, "createContainer", createParams{
		ID:       id,
		ImageRef: c.Image,
		Pull:     c.Pull,
		Config:   cfg,
	}, nil); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
