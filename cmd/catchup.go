package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chanrelay/chanrelay/internal/runner"
)

var catchupWindow time.Duration

var catchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Run a single catch-up pass and exit",
	Long: `Fetch and deliver messages newer than each channel's cursor, bounded by the
backfill window, then exit. The live transport is not connected.

Examples:
  # Catch up with the configured window
  chanrelay catchup --config chanrelay.yaml

  # Reach further back after extended downtime
  chanrelay catchup --config chanrelay.yaml --window 6h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		r, err := runner.New(cfg, path)
		if err != nil {
			return err
		}

		return r.CatchupOnce(context.Background(), catchupWindow)
	},
}

func init() {
	rootCmd.AddCommand(catchupCmd)

	catchupCmd.Flags().DurationVar(&catchupWindow, "window", 0, "backfill window (0 uses the configured default)")
}
