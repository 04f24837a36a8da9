// Command treasurehunt-client drives a player around the server's grid
// from a raw terminal: arrow keys move, q quits, and a received
// treasure file is written under the configured received directory.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/lanquest/treasurehunt/internal/config"
	"github.com/lanquest/treasurehunt/pkg/logger"
	"github.com/lanquest/treasurehunt/source/client"
)

const version = "1.0.0"

func main() {
	cmd := &cobra.Command{
		Use:   "treasurehunt-client <interface>",
		Short: "Drive a player around the treasure hunt grid from a raw terminal.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
	if err := cmd.Execute(); err != nil {
		logger.Fatal("%v", err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger.Banner("Treasure Hunt Client", version)

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
	logger.Info("received dir: %s", cfg.ReceivedDir)

	cl, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer cl.Close()

	return cl.Run()
}

func prepareDirs(cfg config.Config) error {
	var errs *multierror.Error
	if err := os.MkdirAll(cfg.ReceivedDir, 0o755); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("received dir %q: %w", cfg.ReceivedDir, err))
	}
	return errs.ErrorOrNil()
}
