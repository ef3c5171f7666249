package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chanrelay/chanrelay/internal/runner"
	"github.com/chanrelay/chanrelay/internal/utils/logger"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay daemon",
	Long: `Run the relay daemon: connect the transport, stream live messages to the
processor, and reconcile missed messages on the configured cron schedule.

Examples:
  # Run with a config file
  chanrelay run --config chanrelay.yaml

  # Run with the sink taken from the environment
  CHANRELAY_SINK_URL=https://processor.example.com \
  CHANRELAY_SINK_TOKEN=secret chanrelay run --config chanrelay.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		r, err := runner.New(cfg, path)
		if err != nil {
			return err
		}

		logger.Info("Starting relay",
			zap.String("sink", cfg.Sink.URL),
			zap.String("store", cfg.Store.Path))

		return r.Run(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
