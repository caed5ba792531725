package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"metalwatch/internal/config"
	"metalwatch/internal/quote"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestUpsertQuoteRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	observed := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	q := quote.Quote{
		Symbol:        quote.Gold,
		Bid:           dec("2000.50"),
		Ask:           dec("2001.50"),
		Mid:           dec("2001.00"),
		PreviousClose: decimal.NewNullDecimal(dec("1990")),
		ObservedAt:    observed,
		PersistedAt:   observed.Add(time.Second),
	}
	require.NoError(t, s.UpsertQuote(ctx, q))

	q.Mid = dec("2005.25")
	q.ObservedAt = observed.Add(time.Minute)
	require.NoError(t, s.UpsertQuote(ctx, q))

	quotes, err := s.LoadQuotes(ctx)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	require.True(t, quotes[0].Mid.Equal(dec("2005.25")))
	require.True(t, quotes[0].PreviousClose.Valid)
	require.False(t, quotes[0].DayHigh.Valid)
	require.Equal(t, observed.Add(time.Minute), quotes[0].ObservedAt)

	history, err := s.ListHistory(ctx, HistoryQuery{Symbol: quote.Gold})
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[0].Mid.Equal(dec("2001")))
	require.True(t, history[1].Mid.Equal(dec("2005.25")))

	latest, err := s.ListHistory(ctx, HistoryQuery{Symbol: quote.Gold, Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.True(t, latest[0].Mid.Equal(dec("2005.25")))

	removed, err := s.PruneHistory(ctx, observed.Add(30*time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}

func TestSignalLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	sig := Signal{
		ID:          uuid.New(),
		Symbol:      quote.Silver,
		Side:        SideSell,
		EntryPrice:  dec("30.00"),
		Quantity:    dec("10"),
		TargetPrice: decimal.NewNullDecimal(dec("28")),
		Status:      StatusOpen,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	require.NoError(t, s.CreateSignal(ctx, sig))

	got, err := s.GetSignal(ctx, sig.ID.String())
	require.NoError(t, err)
	require.Equal(t, SideSell, got.Side)
	require.True(t, got.TargetPrice.Decimal.Equal(dec("28")))
	require.False(t, got.StopLoss.Valid)

	open, err := s.ListSignals(ctx, SignalFilter{Symbol: quote.Silver, Status: StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)

	triggered, err := s.TransitionSignal(ctx, sig.ID.String(), []SignalStatus{StatusOpen}, StatusTriggered, created.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, StatusTriggered, triggered.Status)
	require.NotNil(t, triggered.TriggeredAt)

	_, err = s.TransitionSignal(ctx, sig.ID.String(), []SignalStatus{StatusOpen}, StatusTriggered, created.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrConflict)

	trade, err := s.CloseSignal(ctx, sig.ID.String(), dec("28.504"), created.Add(3*time.Hour))
	require.NoError(t, err)
	require.True(t, trade.PnL.Equal(dec("15")), "pnl=%s", trade.PnL)

	_, err = s.CloseSignal(ctx, sig.ID.String(), dec("28"), created.Add(4*time.Hour))
	require.ErrorIs(t, err, ErrConflict)

	trades, err := s.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, sig.ID, trades[0].SignalID)

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TotalSignals)
	require.EqualValues(t, 0, stats.OpenSignals)
	require.EqualValues(t, 1, stats.TotalTrades)
	require.EqualValues(t, 1, stats.Wins)
	require.True(t, stats.WinRate.Equal(dec("100")))
	require.True(t, stats.TotalPnL.Equal(dec("15")))
}

func TestGetSignalNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSignal(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRealisedPnL(t *testing.T) {
	require.True(t, RealisedPnL(SideBuy, dec("100"), dec("101.255"), dec("2")).Equal(dec("2.51")))
	require.True(t, RealisedPnL(SideSell, dec("100"), dec("101"), dec("1")).Equal(dec("-1")))
}

func TestRebind(t *testing.T) {
	require.Equal(t, "SELECT * FROM t WHERE a = $1 AND b < $2", rebind("SELECT * FROM t WHERE a = ? AND b < ?"))
}

func TestUpsertQuoteRollsBackOnHistoryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewWithDB(db, DialectPostgres)
	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO prices .*\$12\)`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO price_history`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = s.UpsertQuote(context.Background(), quote.Quote{Symbol: quote.Gold, Bid: dec("1"), Ask: dec("1"), Mid: dec("1"), ObservedAt: time.Now()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "append history XAU")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatisticsPropagatesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewWithDB(db, DialectSQLite)
	mock.ExpectQuery(`SELECT\s+COUNT`).WillReturnRows(sqlmock.NewRows([]string{"total", "open"}).AddRow(3, 1))
	mock.ExpectQuery(`SELECT pnl FROM trade_history`).WillReturnError(errors.New("locked"))

	_, err = s.Statistics(context.Background())
	require.ErrorContains(t, err, "query pnl")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	_, err := s.LoadQuotes(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
}
