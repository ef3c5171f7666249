package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chanrelay/chanrelay/internal/model"
	"github.com/chanrelay/chanrelay/internal/protocol"
	"github.com/chanrelay/chanrelay/internal/storage"
)

var (
	sourceID       int64
	sourceURL      string
	sourceInactive bool
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage watched channels",
	Long:  `Add, deactivate, and inspect the channels the relay watches.`,
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a watched channel",
	Long: `Add a channel by its t.me URL. The upstream identity is resolved lazily on
the first refresh or catch-up pass.

Examples:
  chanrelay sources add --config chanrelay.yaml --id 1 --url https://t.me/some_channel

  # Register without subscribing
  chanrelay sources add --config chanrelay.yaml --id 2 --url https://t.me/other_channel --inactive`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Reject invite links and service paths before anything is stored.
		username, err := protocol.ParseUsername(sourceURL)
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		if sourceID == 0 {
			sourceID, err = nextSourceID(ctx, store)
			if err != nil {
				return err
			}
		}

		src := &model.Source{
			ID:       sourceID,
			Username: username,
			URL:      sourceURL,
			Active:   !sourceInactive,
		}
		if err := store.PutSource(ctx, src); err != nil {
			return fmt.Errorf("failed to store source: %w", err)
		}

		fmt.Printf("Added source %d (%s)\n", src.ID, src.URL)
		return nil
	},
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		sources, err := store.ListSources(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sources: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tURL\tTELEGRAM ID\tACTIVE\tCURSOR")
		for _, src := range sources {
			telegramID := "-"
			if src.Resolved() {
				telegramID = fmt.Sprintf("%d", src.TelegramID)
			}
			cursor := "-"
			if cur, err := store.GetCursor(ctx, src.ID); err == nil {
				cursor = fmt.Sprintf("%d", cur.LastSeenID)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", src.ID, src.URL, telegramID, src.Active, cursor)
		}
		return w.Flush()
	},
}

var sourcesDeactivateCmd = &cobra.Command{
	Use:   "deactivate [id]",
	Short: "Stop delivering for a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(args[0], false)
	},
}

var sourcesActivateCmd = &cobra.Command{
	Use:   "activate [id]",
	Short: "Resume delivering for a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setActive(args[0], true)
	},
}

func setActive(idArg string, active bool) error {
	var id int64
	if _, err := fmt.Sscanf(idArg, "%d", &id); err != nil {
		return fmt.Errorf("invalid source id: %s", idArg)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	src, err := store.GetSource(ctx, id)
	if err != nil {
		return err
	}

	src.Active = active
	if err := store.PutSource(ctx, src); err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}

	state := "deactivated"
	if active {
		state = "activated"
	}
	fmt.Printf("Source %d %s\n", id, state)
	return nil
}

// openStore opens the configured bbolt store for an administrative command.
func openStore() (*storage.BoltStore, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Store.Kind == "memory" {
		return nil, fmt.Errorf("administrative commands require a persistent store")
	}
	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	store := storage.NewBoltStore(&storage.BoltOptions{Path: cfg.Store.Path})
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

func nextSourceID(ctx context.Context, store *storage.BoltStore) (int64, error) {
	sources, err := store.ListSources(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sources: %w", err)
	}
	var max int64
	for _, src := range sources {
		if src.ID > max {
			max = src.ID
		}
	}
	return max + 1, nil
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesActivateCmd)
	sourcesCmd.AddCommand(sourcesDeactivateCmd)

	sourcesAddCmd.Flags().Int64Var(&sourceID, "id", 0, "registry id (0 assigns the next free id)")
	sourcesAddCmd.Flags().StringVar(&sourceURL, "url", "", "channel URL (https://t.me/<username>)")
	sourcesAddCmd.Flags().BoolVar(&sourceInactive, "inactive", false, "register without subscribing")
	sourcesAddCmd.MarkFlagRequired("url")
}
