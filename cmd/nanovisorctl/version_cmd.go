package main

import (
	"fmt"
	"runtime/debug"
)

type VersionCmd struct{}

func (c *VersionCmd) Run(cctx *Context) error {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Println("nanovisorctl (build info not available)")
		return nil
	}
	fmt.Printf("nanovisorctl (%s)\n", buildInfo.GoVersion)
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			fmt.Printf("Git Commit: %s\n", setting.Value)
		case "vcs.time":
			fmt.Printf("Commit Time: %s\n", setting.Value)
		case "vcs.modified":
			fmt.Printf("Modified: %s\n", setting.Value)
		}
	}
	return nil
}
