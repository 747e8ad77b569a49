package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imagvfx/stash"
	"github.com/imagvfx/stash/rpc"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List unfinished and recently finished jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				infos, err := c.List(ctx)
				if err != nil {
					return err
				}
				printJobs(cmd.OutOrStdout(), infos)
				return nil
			})
		},
	}
}

func cutOrFill(s string, n int, fillLeft bool) string {
	if n < 0 {
		// invalid input
		return s
	}
	if len(s) > n {
		return s[:n]
	}
	spaces := strings.Repeat(" ", n-len(s))
	if fillLeft {
		return spaces + s
	}
	return s + spaces
}

func printJobs(w io.Writer, infos []stash.JobInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "no job to show")
		return
	}
	for _, j := range infos {
		fmt.Fprintf(w, "[%v] %v %v %v - %v\n",
			cutOrFill(fmt.Sprint(j.ID), 5, true),
			cutOrFill(j.Status, 15, false),
			cutOrFill(j.Level, 12, false),
			cutOrFill(fmt.Sprint(j.Priority), 3, true),
			j.Name,
		)
	}
}
