package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"run"},
	Short:   "Run the refresh scheduler and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch every tracked symbol once and persist changed prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		written, err := getApp().Refresh(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "refreshed: %d symbol(s) written\n", written)
		return nil
	},
}

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete price history older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneOlderThan < 0 {
			return fmt.Errorf("--older-than must not be negative")
		}
		deleted, err := getApp().Prune(cmd.Context(), pruneOlderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned: %d history row(s)\n", deleted)
		return nil
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Retention override, e.g. 168h (defaults to config)")
}
