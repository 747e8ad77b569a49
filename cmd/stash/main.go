// stash is a console of a stash director.
package main

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/imagvfx/stash/rpc"
)

const defaultTimeout = 10 * time.Second

func main() {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "stash",
		Short:        "Control a stash director",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("addr", "localhost:9101", "grpc address of the director")
	viper.BindPFlag("addr", cmd.PersistentFlags().Lookup("addr"))
	viper.SetEnvPrefix("stash")
	viper.AutomaticEnv()

	cmd.AddCommand(runCmd(), cancelCmd(), listCmd())
	return cmd
}

// withClient connects to the director, and calls fn with the client.
func withClient(fn func(ctx context.Context, c *rpc.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	c, err := rpc.Dial(ctx, viper.GetString("addr"))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
