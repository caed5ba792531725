package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"metalwatch/internal/quote"
	"metalwatch/internal/storage"
)

// Export renders price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	symbols, err := a.exportSymbols(opts.Symbols)
	if err != nil {
		return err
	}

	var from, to time.Time
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if opts.To != nil {
		to = opts.To.UTC()
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	series := make(map[quote.Symbol][]storage.HistoryPoint, len(symbols))
	total := 0
	for _, sym := range symbols {
		points, err := store.ListHistory(ctx, storage.HistoryQuery{Symbol: sym, From: from, To: to})
		if err != nil {
			return err
		}
		series[sym] = downsample(points, opts.MaxPoints)
		total += len(points)
	}
	if total == 0 {
		a.Logger.Info().Msg("no price history found for export window")
		return nil
	}
	a.Logger.Info().Int("total", total).Int("symbols", len(symbols)).Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, symbols, series); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, symbols, series); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) exportSymbols(raw []string) ([]quote.Symbol, error) {
	if len(raw) == 0 {
		return a.Config.TrackedSymbols()
	}
	out := make([]quote.Symbol, 0, len(raw))
	for _, r := range raw {
		sym, err := quote.ParseSymbol(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, nil
}

func downsample(points []storage.HistoryPoint, max int) []storage.HistoryPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]storage.HistoryPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeHistoryCSV(path string, symbols []quote.Symbol, series map[quote.Symbol][]storage.HistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"observed_at", "symbol", "bid", "ask", "mid"}); err != nil {
		return err
	}
	for _, sym := range symbols {
		for _, p := range series[sym] {
			record := []string{
				p.ObservedAt.UTC().Format(time.RFC3339),
				sym.String(),
				p.Bid.StringFixed(2),
				p.Ask.StringFixed(2),
				p.Mid.StringFixed(2),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

// writeHistoryPNG charts each symbol's mid. Gold uses the primary axis and the
// other metals the secondary axis, since their price ranges differ by orders of magnitude.
func writeHistoryPNG(path string, symbols []quote.Symbol, series map[quote.Symbol][]storage.HistoryPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}

	var lines []chart.Series
	secondary := false
	for _, sym := range symbols {
		points := series[sym]
		if len(points) < 2 {
			continue
		}
		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, p := range points {
			x[i] = p.ObservedAt
			y[i] = p.Mid.InexactFloat64()
		}
		ts := chart.TimeSeries{Name: sym.String() + " mid", XValues: x, YValues: y}
		if sym != quote.Gold {
			ts.YAxis = chart.YAxisSecondary
			secondary = true
		}
		lines = append(lines, ts)
	}
	if len(lines) == 0 {
		return fmt.Errorf("not enough points to chart")
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Gold (USD/oz)",
			ValueFormatter: priceFormatter,
		},
		Series: lines,
	}
	if secondary {
		graph.YAxisSecondary = chart.YAxis{
			Name:           "Other metals (USD/oz)",
			ValueFormatter: priceFormatter,
		}
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
