package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"metalwatch/internal/app"
)

var showHistory int

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display stored current prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showHistory < 0 {
			return fmt.Errorf("--history must not be negative")
		}
		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), app.ShowOptions{History: showHistory})
	},
}

func init() {
	showCmd.Flags().IntVar(&showHistory, "history", 0, "Also print the last N history points per symbol")
}
