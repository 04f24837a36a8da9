// Command treasurehunt-backup runs the backup variant: given a
// filename it uploads that file to a peer running the same command
// without one, which instead listens and writes incoming uploads into
// its received directory.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/lanquest/treasurehunt/internal/config"
	"github.com/lanquest/treasurehunt/pkg/logger"
	"github.com/lanquest/treasurehunt/source/backup"
)

const version = "1.0.0"

func main() {
	cmd := &cobra.Command{
		Use:   "treasurehunt-backup <interface> [filename]",
		Short: "Upload filename to a peer, or listen for uploads when filename is omitted.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  run,
	}
	if err := cmd.Execute(); err != nil {
		logger.Fatal("%v", err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger.Banner("Treasure Hunt Backup", version)

	cfg, err := config.Load(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	if err := prepareDirs(cfg); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	drv, err := backup.New(cfg)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer drv.Close()

	if len(args) == 2 {
		logger.Info("uploading %s to interface %s", args[1], cfg.Interface)
		return drv.RunSend(args[1])
	}

	logger.Info("listening for backups on interface %s", cfg.Interface)
	return drv.RunReceive()
}

func prepareDirs(cfg config.Config) error {
	var errs *multierror.Error
	if err := os.MkdirAll(cfg.ReceivedDir, 0o755); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("received dir %q: %w", cfg.ReceivedDir, err))
	}
	return errs.ErrorOrNil()
}
