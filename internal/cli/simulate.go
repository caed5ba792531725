package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateSymbol string
	simulatePrice  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic signal notification through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := decimal.NewFromString(simulatePrice)
		if err != nil || !price.IsPositive() {
			return errors.New("--price must be a positive decimal")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateSymbol, price)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "XAU", "Metal symbol")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "Trigger price, e.g. 2050.50")
}
