package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"metalwatch/internal/quote"
	"metalwatch/internal/storage"
)

// Show prints the persisted current prices and, optionally, recent history per symbol.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	quotes, err := store.LoadQuotes(ctx)
	if err != nil {
		return err
	}
	if len(quotes) == 0 {
		fmt.Fprintln(out, "no prices stored yet; run `metalwatch refresh` first")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tBid\tAsk\tMid\tChange\tChange%\tObserved (UTC)\tPersisted (UTC)")
	for _, q := range quotes {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			q.Symbol,
			formatDecimal(q.Bid, 2),
			formatDecimal(q.Ask, 2),
			formatDecimal(q.Mid, 2),
			formatNull(q.Change, 2),
			formatNull(q.ChangePercent, 2),
			q.ObservedAt.UTC().Format(time.RFC3339),
			q.PersistedAt.UTC().Format(time.RFC3339),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if opts.History <= 0 {
		return nil
	}
	for _, q := range quotes {
		points, err := store.ListHistory(ctx, storage.HistoryQuery{Symbol: q.Symbol, Limit: opts.History})
		if err != nil {
			return err
		}
		if err := printHistory(out, q.Symbol, points); err != nil {
			return err
		}
	}
	return nil
}

func printHistory(out io.Writer, sym quote.Symbol, points []storage.HistoryPoint) error {
	fmt.Fprintf(out, "\n%s history (%d points)\n", sym, len(points))
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tBid\tAsk\tMid")
	for _, p := range points {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			p.ObservedAt.UTC().Format(time.RFC3339),
			formatDecimal(p.Bid, 2),
			formatDecimal(p.Ask, 2),
			formatDecimal(p.Mid, 2),
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatNull(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(places)
}
