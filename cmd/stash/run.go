package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/imagvfx/stash/rpc"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run job",
		Short: "Run a job of a job definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := runRequest(cmd, args[0], time.Now())
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				id, err := c.Run(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d submitted\n", id)
				return nil
			})
		},
	}
	cmd.Flags().Int("priority", 0, "priority of the job, lower runs earlier. 0 keeps the definition's")
	cmd.Flags().String("level", "", "backup level: full, incremental, differential or base")
	cmd.Flags().String("pool", "", "pool of the job")
	cmd.Flags().String("when", "", "start time in RFC3339, or a duration from now like 2h")
	return cmd
}

// runRequest makes a run request from the flags of run command.
func runRequest(cmd *cobra.Command, job string, now time.Time) (rpc.RunRequest, error) {
	req := rpc.RunRequest{Job: job}
	flags := cmd.Flags()
	if flags.Changed("priority") {
		p, _ := flags.GetInt("priority")
		req.Priority = &p
	}
	req.Level, _ = flags.GetString("level")
	req.Pool, _ = flags.GetString("pool")
	when, _ := flags.GetString("when")
	if when != "" {
		t, err := parseWhen(when, now)
		if err != nil {
			return rpc.RunRequest{}, err
		}
		req.When = t
	}
	return req, nil
}

func parseWhen(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid start time: %q", s)
	}
	return t, nil
}
