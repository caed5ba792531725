package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"metalwatch/internal/alerting"
	"metalwatch/internal/quote"
	"metalwatch/internal/storage"
)

// NewSignal is the payload for CreateSignal.
type NewSignal struct {
	Symbol      string              `json:"symbol"`
	Side        string              `json:"side"`
	EntryPrice  decimal.Decimal     `json:"entry_price"`
	Quantity    decimal.Decimal     `json:"quantity"`
	TargetPrice decimal.NullDecimal `json:"target_price"`
	StopLoss    decimal.NullDecimal `json:"stop_loss"`
	Note        string              `json:"note"`
}

// SignalQuery narrows ListSignals.
type SignalQuery struct {
	Symbol string
	Status string
	Limit  int
}

// CreateSignal validates and stores a new open signal. Quantity defaults to one.
func (s *Service) CreateSignal(ctx context.Context, in NewSignal) (storage.Signal, error) {
	if s.deps.Signals == nil {
		return storage.Signal{}, storage.ErrNotConfigured
	}
	sym, err := quote.ParseSymbol(in.Symbol)
	if err != nil || !s.tracks(sym) {
		return storage.Signal{}, fmt.Errorf("%w: %q", ErrUnsupportedSymbol, in.Symbol)
	}
	side := storage.Side(strings.ToLower(strings.TrimSpace(in.Side)))
	if !side.Valid() {
		return storage.Signal{}, fmt.Errorf("%w: side must be buy or sell", ErrInvalidInput)
	}
	if !in.EntryPrice.IsPositive() {
		return storage.Signal{}, fmt.Errorf("%w: entry_price must be positive", ErrInvalidInput)
	}
	qty := in.Quantity
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	if !qty.IsPositive() {
		return storage.Signal{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if in.TargetPrice.Valid && !in.TargetPrice.Decimal.IsPositive() {
		return storage.Signal{}, fmt.Errorf("%w: target_price must be positive", ErrInvalidInput)
	}
	if in.StopLoss.Valid && !in.StopLoss.Decimal.IsPositive() {
		return storage.Signal{}, fmt.Errorf("%w: stop_loss must be positive", ErrInvalidInput)
	}

	now := s.opts.Now().UTC()
	sig := storage.Signal{
		ID:          uuid.New(),
		Symbol:      sym,
		Side:        side,
		EntryPrice:  in.EntryPrice.Round(quote.MoneyPlaces),
		Quantity:    qty,
		TargetPrice: roundNull(in.TargetPrice),
		StopLoss:    roundNull(in.StopLoss),
		Status:      storage.StatusOpen,
		Note:        strings.TrimSpace(in.Note),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Signals.CreateSignal(ctx, sig); err != nil {
		return storage.Signal{}, err
	}
	s.logger.Info().Str("signal_id", sig.ID.String()).
		Str("symbol", sym.String()).
		Str("side", string(side)).
		Msg("signal created")
	return sig, nil
}

// GetSignal returns one signal.
func (s *Service) GetSignal(ctx context.Context, id string) (storage.Signal, error) {
	if s.deps.Signals == nil {
		return storage.Signal{}, storage.ErrNotConfigured
	}
	if err := validID(id); err != nil {
		return storage.Signal{}, err
	}
	sig, err := s.deps.Signals.GetSignal(ctx, id)
	return sig, mapStoreErr(err)
}

// ListSignals returns signals newest first.
func (s *Service) ListSignals(ctx context.Context, q SignalQuery) ([]storage.Signal, error) {
	if s.deps.Signals == nil {
		return nil, storage.ErrNotConfigured
	}
	var filter storage.SignalFilter
	if q.Symbol != "" {
		sym, err := quote.ParseSymbol(q.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedSymbol, q.Symbol)
		}
		filter.Symbol = sym
	}
	if q.Status != "" {
		status := storage.SignalStatus(strings.ToLower(q.Status))
		switch status {
		case storage.StatusOpen, storage.StatusTriggered, storage.StatusClosed, storage.StatusCancelled:
			filter.Status = status
		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, q.Status)
		}
	}
	filter.Limit = q.Limit
	return s.deps.Signals.ListSignals(ctx, filter)
}

// CancelSignal marks an open or triggered signal cancelled.
func (s *Service) CancelSignal(ctx context.Context, id string) (storage.Signal, error) {
	if s.deps.Signals == nil {
		return storage.Signal{}, storage.ErrNotConfigured
	}
	if err := validID(id); err != nil {
		return storage.Signal{}, err
	}
	sig, err := s.deps.Signals.TransitionSignal(ctx, id,
		[]storage.SignalStatus{storage.StatusOpen, storage.StatusTriggered},
		storage.StatusCancelled, s.opts.Now())
	if err != nil {
		return storage.Signal{}, mapStoreErr(err)
	}
	s.logger.Info().Str("signal_id", id).Msg("signal cancelled")
	return sig, nil
}

// CloseSignal closes an active signal at exit, or at the snapshot mid when exit is null.
func (s *Service) CloseSignal(ctx context.Context, id string, exit decimal.NullDecimal) (storage.TradeHistory, error) {
	if s.deps.Signals == nil || s.deps.Trades == nil {
		return storage.TradeHistory{}, storage.ErrNotConfigured
	}
	if err := validID(id); err != nil {
		return storage.TradeHistory{}, err
	}

	price := exit.Decimal
	if !exit.Valid {
		sig, err := s.deps.Signals.GetSignal(ctx, id)
		if err != nil {
			return storage.TradeHistory{}, mapStoreErr(err)
		}
		q, ok := s.deps.Book.Get(sig.Symbol)
		if !ok {
			return storage.TradeHistory{}, fmt.Errorf("%w: no price for %s", ErrUnavailable, sig.Symbol)
		}
		price = q.Mid
	} else if !price.IsPositive() {
		return storage.TradeHistory{}, fmt.Errorf("%w: exit_price must be positive", ErrInvalidInput)
	}

	trade, err := s.deps.Trades.CloseSignal(ctx, id, price, s.opts.Now())
	if err != nil {
		return storage.TradeHistory{}, mapStoreErr(err)
	}
	s.logger.Info().Str("signal_id", id).
		Str("exit_price", trade.ExitPrice.StringFixed(2)).
		Str("pnl", trade.PnL.StringFixed(2)).
		Msg("signal closed")
	return trade, nil
}

// ListTrades returns realised trades newest first.
func (s *Service) ListTrades(ctx context.Context, limit int) ([]storage.TradeHistory, error) {
	if s.deps.Trades == nil {
		return nil, storage.ErrNotConfigured
	}
	return s.deps.Trades.ListTrades(ctx, limit)
}

// Statistics aggregates the ledger.
func (s *Service) Statistics(ctx context.Context) (storage.Statistics, error) {
	if s.deps.Trades == nil {
		return storage.Statistics{}, storage.ErrNotConfigured
	}
	return s.deps.Trades.Statistics(ctx)
}

// evaluateSignals runs after every durable price write and triggers open signals
// whose target or stop the new mid has crossed.
func (s *Service) evaluateSignals(ctx context.Context, q quote.Quote) {
	if s.deps.Signals == nil {
		return
	}
	open, err := s.deps.Signals.ListSignals(ctx, storage.SignalFilter{Symbol: q.Symbol, Status: storage.StatusOpen})
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", q.Symbol.String()).Msg("failed to load open signals")
		return
	}

	for _, sig := range open {
		reason, hit := crossed(sig, q.Mid)
		if !hit {
			continue
		}
		updated, err := s.deps.Signals.TransitionSignal(ctx, sig.ID.String(),
			[]storage.SignalStatus{storage.StatusOpen}, storage.StatusTriggered, s.opts.Now())
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("signal_id", sig.ID.String()).Msg("failed to trigger signal")
			continue
		}
		s.logger.Info().Str("signal_id", sig.ID.String()).
			Str("symbol", q.Symbol.String()).
			Str("reason", reason).
			Str("mid", q.Mid.StringFixed(2)).
			Msg("signal triggered")

		if s.deps.Notifier == nil {
			continue
		}
		note := alerting.Notification{
			At:          q.ObservedAt,
			SignalID:    updated.ID.String(),
			Symbol:      updated.Symbol.String(),
			Side:        string(updated.Side),
			Reason:      reason,
			Price:       q.Mid,
			EntryPrice:  updated.EntryPrice,
			TargetPrice: updated.TargetPrice,
			StopLoss:    updated.StopLoss,
			Note:        updated.Note,
		}
		if err := s.deps.Notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("signal_id", sig.ID.String()).Msg("failed to dispatch notification")
		}
	}
}

// crossed reports whether mid reached the signal's target or stop.
func crossed(sig storage.Signal, mid decimal.Decimal) (string, bool) {
	switch sig.Side {
	case storage.SideBuy:
		if sig.TargetPrice.Valid && mid.GreaterThanOrEqual(sig.TargetPrice.Decimal) {
			return alerting.ReasonTarget, true
		}
		if sig.StopLoss.Valid && mid.LessThanOrEqual(sig.StopLoss.Decimal) {
			return alerting.ReasonStopLoss, true
		}
	case storage.SideSell:
		if sig.TargetPrice.Valid && mid.LessThanOrEqual(sig.TargetPrice.Decimal) {
			return alerting.ReasonTarget, true
		}
		if sig.StopLoss.Valid && mid.GreaterThanOrEqual(sig.StopLoss.Decimal) {
			return alerting.ReasonStopLoss, true
		}
	}
	return "", false
}

func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: malformed signal id %q", ErrInvalidInput, id)
	}
	return nil
}

func roundNull(d decimal.NullDecimal) decimal.NullDecimal {
	if !d.Valid {
		return d
	}
	return decimal.NewNullDecimal(d.Decimal.Round(quote.MoneyPlaces))
}
