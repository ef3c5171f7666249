package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chanrelay/chanrelay/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage the catch-up schedule override",
	Long: `Show or change the cron schedule stored in the registry. A stored schedule
takes precedence over the config file; clearing it falls back to the config
value or the built-in default.`,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored schedule override",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		cron, err := store.GetSchedule(context.Background())
		if err != nil {
			return fmt.Errorf("failed to read schedule: %w", err)
		}
		if cron == "" {
			fmt.Printf("No override stored (default: %s)\n", scheduler.DefaultCron)
			return nil
		}
		fmt.Println(cron)
		return nil
	},
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set [cron]",
	Short: "Store a schedule override",
	Args:  cobra.ExactArgs(1),
	Example: `  # Catch up every five minutes
  chanrelay schedule set --config chanrelay.yaml "*/5 * * * *"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetSchedule(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to store schedule: %w", err)
		}
		fmt.Printf("Schedule override set to %q\n", args[0])
		return nil
	},
}

var scheduleClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored schedule override",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetSchedule(context.Background(), ""); err != nil {
			return fmt.Errorf("failed to clear schedule: %w", err)
		}
		fmt.Println("Schedule override cleared")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleShowCmd)
	scheduleCmd.AddCommand(scheduleSetCmd)
	scheduleCmd.AddCommand(scheduleClearCmd)
}
