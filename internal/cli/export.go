package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"metalwatch/internal/app"
)

var exportOpts struct {
	symbols   []string
	from, to  string
	png, csv  string
	maxPoints int
}

var exportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Export stored metal price history as CSV and/or a PNG chart of mid prices",
	Example: "  metalwatch export --symbol XAU --symbol XAG --from 2025-01-01T00:00:00Z --csv out/history.csv --png out/history.png",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportOpts.maxPoints < 0 {
			return fmt.Errorf("--max-points must not be negative")
		}
		from, err := parseWindowBound("from", exportOpts.from)
		if err != nil {
			return err
		}
		to, err := parseWindowBound("to", exportOpts.to)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			Symbols:   exportOpts.symbols,
			From:      from,
			To:        to,
			PNGPath:   exportOpts.png,
			CSVPath:   exportOpts.csv,
			MaxPoints: exportOpts.maxPoints,
		})
	},
}

// parseWindowBound reads an optional RFC3339 history bound; empty means open.
func parseWindowBound(flag, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value %q: %w", flag, raw, err)
	}
	return &ts, nil
}

func init() {
	flags := exportCmd.Flags()
	flags.StringSliceVar(&exportOpts.symbols, "symbol", nil, "Metal symbol to export (XAU, XAG, XPT, XPD); repeatable, defaults to every tracked symbol")
	flags.StringVar(&exportOpts.from, "from", "", "Oldest observation to include (RFC3339, inclusive)")
	flags.StringVar(&exportOpts.to, "to", "", "Observation cut-off (RFC3339, exclusive)")
	flags.StringVar(&exportOpts.png, "png", "", "Write a mid-price chart to this PNG path")
	flags.StringVar(&exportOpts.csv, "csv", "", "Write history rows (observed_at, symbol, bid, ask, mid) to this CSV path")
	flags.IntVar(&exportOpts.maxPoints, "max-points", 0, "Downsample each symbol to at most this many points (0 uses export.max_data_points)")
}
