package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

// containerInfo mirrors manager.Info's JSON shape (its fields carry no json
// tags, so encoding/json uses their Go names verbatim).
type containerInfo struct {
	ID    string
	State string
	Image string
}

type LsCmd struct{}

func (c *LsCmd) Run(cctx *Context) error {
	client, err := cctx.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	var infos []containerInfo
	if err := client.Call(context.Background(), "listContainers", struct{}{}, &infos); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tIMAGE\t")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", info.ID, info.State, info.Image)
	}
	w.Flush()
	return nil
}
