package service

import (
	"context"
	"fmt"
	"time"

	"metalwatch/internal/quote"
	"metalwatch/internal/storage"
)

// PriceView is a quote as served to readers.
type PriceView struct {
	quote.Quote
	Stale bool `json:"stale"`
}

// CurrentPrice returns the latest price for symbol. A fresh snapshot entry is returned
// as is; otherwise the source is asked live and, if that fails, the snapshot entry is
// returned marked stale. With no snapshot entry the fetch error is wrapped in ErrUnavailable.
func (s *Service) CurrentPrice(ctx context.Context, symbol string) (PriceView, error) {
	sym, err := quote.ParseSymbol(symbol)
	if err != nil || !s.tracks(sym) {
		return PriceView{}, fmt.Errorf("%w: %q", ErrUnsupportedSymbol, symbol)
	}

	cached, ok := s.deps.Book.Get(sym)
	if ok && s.fresh(cached) {
		return PriceView{Quote: cached}, nil
	}

	fetched, _, err := s.refreshSymbol(ctx, sym)
	if err != nil && fetched.Symbol == "" {
		if ok {
			s.logger.Warn().Err(err).Str("symbol", sym.String()).Msg("serving stale snapshot")
			return PriceView{Quote: cached, Stale: true}, nil
		}
		return PriceView{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, sym, err)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", sym.String()).Msg("failed to persist quote")
	}

	if current, ok := s.deps.Book.Get(sym); ok && !current.ObservedAt.Before(fetched.ObservedAt) {
		return PriceView{Quote: current}, nil
	}
	// Within the change threshold: the live quote is newer than what is persisted.
	fetched.PersistedAt = cached.PersistedAt
	return PriceView{Quote: fetched}, nil
}

// AllCurrentPrices returns the snapshot in canonical order. An empty snapshot triggers
// one forced refresh first.
func (s *Service) AllCurrentPrices(ctx context.Context) ([]PriceView, error) {
	if s.deps.Book.Len() == 0 {
		if _, err := s.ForceRefresh(ctx); err != nil && s.deps.Book.Len() == 0 {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	quotes := s.deps.Book.All()
	out := make([]PriceView, 0, len(quotes))
	for _, q := range quotes {
		if !s.tracks(q.Symbol) {
			continue
		}
		out = append(out, PriceView{Quote: q, Stale: !s.fresh(q)})
	}
	return out, nil
}

// HistoryRequest selects price history for one symbol.
type HistoryRequest struct {
	Symbol string
	From   time.Time
	To     time.Time
	Limit  int
}

// History returns persisted price writes for a symbol, oldest first.
func (s *Service) History(ctx context.Context, req HistoryRequest) ([]storage.HistoryPoint, error) {
	sym, err := quote.ParseSymbol(req.Symbol)
	if err != nil || !s.tracks(sym) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSymbol, req.Symbol)
	}
	if s.deps.History == nil {
		return nil, storage.ErrNotConfigured
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return nil, fmt.Errorf("%w: to is before from", ErrInvalidInput)
	}
	points, err := s.deps.History.ListHistory(ctx, storage.HistoryQuery{
		Symbol: sym,
		From:   req.From,
		To:     req.To,
		Limit:  req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// PruneHistory deletes price history observed before cutoff.
func (s *Service) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.deps.History == nil {
		return 0, storage.ErrNotConfigured
	}
	n, err := s.deps.History.PruneHistory(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	return n, nil
}
