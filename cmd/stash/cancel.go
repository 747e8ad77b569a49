package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/imagvfx/stash"
	"github.com/imagvfx/stash/rpc"
)

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel id...",
		Short: "Cancel jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]stash.JobID, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return errors.Errorf("invalid job id: %s", a)
				}
				ids = append(ids, stash.JobID(id))
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				for _, id := range ids {
					if err := c.Cancel(ctx, id); err != nil {
						return errors.Wrapf(err, "cancel job %d", id)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "job %d canceled\n", id)
				}
				return nil
			})
		},
	}
}
