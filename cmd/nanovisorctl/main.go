// nanovisorctl is the command-line client for nanovisord: it dials the
// daemon's control socket and issues one lifecycle request per invocation.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/nanovisor/nanovisor/internal/apiserver"
	"github.com/nanovisor/nanovisor/internal/config"
)

// Context is passed to every subcommand's Run, mirroring the teacher CLI's
// Context-carries-shared-state-plus-a-lazy-client shape.
type Context struct {
	SocketPath string
}

// dial opens a fresh Client for the duration of one subcommand invocation;
// nanovisorctl issues one request per process run, so a connection is never
// reused across commands.
func (c *Context) dial() (*apiserver.Client, error) {
	return apiserver.Dial(c.SocketPath)
}

type CLI struct {
	SocketPath string `default:"" placeholder:"<path>" help:"path to nanovisord's control socket (defaults to the standard data-dir location)"`

	Create  CreateCmd  `cmd:"" help:"create a container from an image reference"`
	Start   StartCmd   `cmd:"" help:"start a created container's process"`
	Stop    StopCmd    `cmd:"" help:"stop a running container"`
	Pause   PauseCmd   `cmd:"" help:"pause a running container's VM"`
	Resume  ResumeCmd  `cmd:"" help:"resume a paused container's VM"`
	Rm      RmCmd      `cmd:"" help:"delete a stopped container"`
	Ls      LsCmd      `cmd:"" help:"list containers"`
	Version VersionCmd `cmd:"" help:"print version information"`
}

const description = `Manage per-container microVMs via nanovisord.`

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.Description(description))

	socketPath := cli.SocketPath
	if socketPath == "" {
		socketPath = config.DefaultConfig().SocketPath
	}

	err := kctx.Run(&Context{SocketPath: socketPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "nanovisorctl: %v\n", err)
		os.Exit(1)
	}
}
