package main

import (
	"context"
	"fmt"
)

// idParams mirrors apiserver's {id} request shape for every single-container
// lifecycle operation.
type idParams struct {
	ID string `json:"id"`
}

func callWithID(cctx *Context, method, id string) error {
	client, err := cctx.dial()
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Call(context.Background(), method, idParams{ID: id}, nil); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

type StartCmd struct {
	ID string `arg:"" help:"container id"`
}

func (c *StartCmd) Run(cctx *Context) error { return callWithID(cctx, "startContainer", c.ID) }

type StopCmd struct {
	ID string `arg:"" help:"container id"`
}

func (c *StopCmd) Run(cctx *Context) error { return callWithID(cctx, "stopContainer", c.ID) }

type PauseCmd struct {
	ID string `arg:"" help:"container id"`
}

func (c *PauseCmd) Run(cctx *Context) error { return callWithID(cctx, "pauseContainer", c.ID) }

type ResumeCmd struct {
	ID string `arg:"" help:"container id"`
}

func (c *ResumeCmd) Run(cctx *Context) error { return callWithID(cctx, "resumeContainer", c.ID) }

type RmCmd struct {
	ID string `arg:"" help:"container id"`
}

func (c *RmCmd) Run(cctx *Context) error { return callWithID(cctx, "deleteContainer", c.ID) }
