// Command treasurehunt-server runs the treasure-hunt server: it places
// reward files on an 8x8 grid and serves a single client over raw
// Ethernet frames on the named interface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/lanquest/treasurehunt/internal/config"
	"github.com/lanquest/treasurehunt/internal/metrics"
	"github.com/lanquest/treasurehunt/pkg/logger"
	"github.com/lanquest/treasurehunt/source/server"
)

const version = "1.0.0"

func main() {
	cmd := &cobra.Command{
		Use:   "treasurehunt-server <interface>",
		Short: "Place treasures on an 8x8 grid and serve one client over raw Ethernet frames.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
	if err := cmd.Execute(); err != nil {
		logger.Fatal("%v", err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger.Banner("Treasure Hunt Server", version)

	var ifaceArg string
	if len(args) == 1 {
		ifaceArg = args[0]
	}
	cfg, err := config.Load(cmd.Context(), ifaceArg)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	if err := prepareDirs(cfg); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	logger.Info("interface: %s", cfg.Interface)
	logger.Info("objects dir: %s", cfg.ObjectsDir)
	logger.Info("ack timeout: %s", cfg.AckTimeout)
	logger.Info("max retries: %d", cfg.MaxRetries)
	logger.Success("configuration loaded")

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer srv.Close()
	logger.Success("server ready")

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go func() {
		if err := metrics.Server(backgroundCtx, cfg.MetricsAddr); err != nil {
			logger.Warn("metrics exporter: %v", err)
		}
	}()
	go srv.WatchObjects(backgroundCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-sigCh:
		logger.Warn("received signal: %v", sig)
		logger.Info("shutting down gracefully...")
		stopBackground()
		time.Sleep(200 * time.Millisecond)
		logger.Success("server stopped")
		return nil
	}
}

func prepareDirs(cfg config.Config) error {
	var errs *multierror.Error
	if err := os.MkdirAll(cfg.ObjectsDir, 0o755); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("objects dir %q: %w", cfg.ObjectsDir, err))
	}
	if err := os.MkdirAll(cfg.ReceivedDir, 0o755); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("received dir %q: %w", cfg.ReceivedDir, err))
	}
	return errs.ErrorOrNil()
}
