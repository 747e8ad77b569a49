// stashd is a backup director.
// It runs jobs defined in it's config when consoles ask, one after another
// as the storages and clients they need become free.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/imagvfx/stash"
	"github.com/imagvfx/stash/engine"
	"github.com/imagvfx/stash/rpc"
	"github.com/imagvfx/stash/sqlite"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "stashd",
		Short:        "Run the stash backup director",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         serve,
	}
	cmd.Flags().String("config", "", "path of the config file")
	cmd.Flags().Duration("shutdown-timeout", time.Minute, "how long to wait for running jobs on shutdown")
	return cmd
}

func configureLogging(level string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	lv, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lv)
	if lv < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	return nil
}

func serve(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	if err := configureLogging(cfg.Director.LogLevel); err != nil {
		return err
	}

	catalog, err := sqlite.OpenCatalog(cfg.Director.Catalog)
	if err != nil {
		return errors.Wrapf(err, "open catalog %s", cfg.Director.Catalog)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d, err := stash.NewDirector(cfg, &engine.Exec{}, catalog, stash.WithRegisterer(reg))
	if err != nil {
		catalog.Close()
		return err
	}

	lis, err := net.Listen("tcp", cfg.Director.GRPCAddr)
	if err != nil {
		d.Close(context.Background())
		return err
	}
	grpcServer := rpc.NewGRPCServer(d)
	httpServer := &http.Server{
		Addr:    cfg.Director.HTTPAddr,
		Handler: rpc.NewHTTPHandler(d, reg),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("grpc server listening on %s", lis.Addr())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Infof("http server listening on %s", httpServer.Addr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		grpcServer.GracefulStop()
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var errs error
		if err := httpServer.Shutdown(sctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := d.Close(sctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		return errs
	})
	err = g.Wait()
	if err != nil {
		log.WithError(err).Error("director stopped")
		return err
	}
	log.Info("director stopped")
	return nil
}
