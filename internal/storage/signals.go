package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"metalwatch/internal/quote"
)

const (
	signalColumns = `id, symbol, side, entry_price, quantity, target_price, stop_loss, status, note, created_at, updated_at, triggered_at`

	insertSignalSQL = `INSERT INTO signals (` + signalColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`

	selectSignalSQL = `SELECT ` + signalColumns + ` FROM signals WHERE id = ?`

	updateSignalStatusSQL = `UPDATE signals SET status = ?, updated_at = ?, triggered_at = COALESCE(?, triggered_at) WHERE id = ?`

	insertTradeSQL = `INSERT INTO trade_history (
        id, signal_id, symbol, side, entry_price, exit_price, quantity, pnl, opened_at, closed_at
    ) VALUES (?,?,?,?,?,?,?,?,?,?)`

	selectTradesSQL = `SELECT id, signal_id, symbol, side, entry_price, exit_price, quantity, pnl, opened_at, closed_at
    FROM trade_history
    ORDER BY closed_at DESC`

	countSignalsSQL = `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status IN ('open', 'triggered') THEN 1 ELSE 0 END), 0)
    FROM signals`

	selectTradePnLSQL = `SELECT pnl FROM trade_history`
)

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateSignal inserts a new signal.
func (s *Store) CreateSignal(ctx context.Context, sig Signal) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, s.q(insertSignalSQL),
		sig.ID.String(),
		sig.Symbol.String(),
		string(sig.Side),
		sig.EntryPrice.String(),
		sig.Quantity.String(),
		nullDecimalArg(sig.TargetPrice),
		nullDecimalArg(sig.StopLoss),
		string(sig.Status),
		sig.Note,
		toMillis(sig.CreatedAt),
		toMillis(sig.UpdatedAt),
		nullMillisArg(sig.TriggeredAt),
	)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// GetSignal loads one signal by id.
func (s *Store) GetSignal(ctx context.Context, id string) (Signal, error) {
	db, err := s.getDB()
	if err != nil {
		return Signal{}, err
	}
	return s.getSignal(ctx, db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getSignal(ctx context.Context, q queryRower, id string) (Signal, error) {
	sig, err := scanSignal(q.QueryRowContext(ctx, s.q(selectSignalSQL), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Signal{}, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Signal{}, fmt.Errorf("get signal: %w", err)
	}
	return sig, nil
}

// ListSignals returns signals newest first.
func (s *Store) ListSignals(ctx context.Context, filter SignalFilter) ([]Signal, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	stmt := `SELECT ` + signalColumns + ` FROM signals`
	var (
		where []string
		args  []any
	)
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, filter.Symbol.String())
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, " AND ")
	}
	stmt += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, s.q(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// TransitionSignal moves a signal to status to if its current status is one of from.
func (s *Store) TransitionSignal(ctx context.Context, id string, from []SignalStatus, to SignalStatus, at time.Time) (Signal, error) {
	db, err := s.getDB()
	if err != nil {
		return Signal{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Signal{}, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	sig, err := s.getSignal(ctx, tx, id)
	if err != nil {
		return Signal{}, err
	}
	if !slices.Contains(from, sig.Status) {
		return Signal{}, fmt.Errorf("signal %s is %s: %w", id, sig.Status, ErrConflict)
	}

	var triggered any
	if to == StatusTriggered {
		triggered = toMillis(at)
		t := at.UTC()
		sig.TriggeredAt = &t
	}
	if _, err := tx.ExecContext(ctx, s.q(updateSignalStatusSQL), string(to), toMillis(at), triggered, id); err != nil {
		return Signal{}, fmt.Errorf("update signal status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Signal{}, fmt.Errorf("commit transition: %w", err)
	}

	sig.Status = to
	sig.UpdatedAt = at.UTC()
	return sig, nil
}

// CloseSignal closes an active signal at exit and records the realised trade.
func (s *Store) CloseSignal(ctx context.Context, id string, exit decimal.Decimal, at time.Time) (TradeHistory, error) {
	db, err := s.getDB()
	if err != nil {
		return TradeHistory{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return TradeHistory{}, fmt.Errorf("begin close: %w", err)
	}
	defer tx.Rollback()

	sig, err := s.getSignal(ctx, tx, id)
	if err != nil {
		return TradeHistory{}, err
	}
	if !sig.Status.Active() {
		return TradeHistory{}, fmt.Errorf("signal %s is %s: %w", id, sig.Status, ErrConflict)
	}

	exit = exit.Round(quote.MoneyPlaces)
	trade := TradeHistory{
		ID:         uuid.New(),
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		EntryPrice: sig.EntryPrice,
		ExitPrice:  exit,
		Quantity:   sig.Quantity,
		PnL:        RealisedPnL(sig.Side, sig.EntryPrice, exit, sig.Quantity),
		OpenedAt:   sig.CreatedAt,
		ClosedAt:   at.UTC(),
	}

	if _, err := tx.ExecContext(ctx, s.q(updateSignalStatusSQL), string(StatusClosed), toMillis(at), nil, id); err != nil {
		return TradeHistory{}, fmt.Errorf("close signal: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.q(insertTradeSQL),
		trade.ID.String(),
		trade.SignalID.String(),
		trade.Symbol.String(),
		string(trade.Side),
		trade.EntryPrice.String(),
		trade.ExitPrice.String(),
		trade.Quantity.String(),
		trade.PnL.String(),
		toMillis(trade.OpenedAt),
		toMillis(trade.ClosedAt),
	)
	if err != nil {
		return TradeHistory{}, fmt.Errorf("insert trade: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TradeHistory{}, fmt.Errorf("commit close: %w", err)
	}
	return trade, nil
}

// RealisedPnL is (exit-entry)*qty for buys and (entry-exit)*qty for sells, rounded to cents.
func RealisedPnL(side Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(qty).Round(quote.MoneyPlaces)
}

// ListTrades returns trades newest first.
func (s *Store) ListTrades(ctx context.Context, limit int) ([]TradeHistory, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	stmt := selectTradesSQL
	var args []any
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, s.q(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeHistory
	for rows.Next() {
		var (
			id, signalID, symbol, side string
			entry, exit, qty, pnl      string
			openedAt, closedAt         int64
		)
		if err := rows.Scan(&id, &signalID, &symbol, &side, &entry, &exit, &qty, &pnl, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t := TradeHistory{
			Symbol:   quote.Symbol(symbol),
			Side:     Side(side),
			OpenedAt: fromMillis(openedAt),
			ClosedAt: fromMillis(closedAt),
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if t.SignalID, err = uuid.Parse(signalID); err != nil {
			return nil, err
		}
		if t.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, err
		}
		if t.ExitPrice, err = decimal.NewFromString(exit); err != nil {
			return nil, err
		}
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		if t.PnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Statistics aggregates the signal ledger and trade history.
func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	db, err := s.getDB()
	if err != nil {
		return Statistics{}, err
	}

	var stats Statistics
	if err := db.QueryRowContext(ctx, countSignalsSQL).Scan(&stats.TotalSignals, &stats.OpenSignals); err != nil {
		return Statistics{}, fmt.Errorf("count signals: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectTradePnLSQL)
	if err != nil {
		return Statistics{}, fmt.Errorf("query pnl: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return Statistics{}, fmt.Errorf("scan pnl: %w", err)
		}
		pnl, err := decimal.NewFromString(raw)
		if err != nil {
			return Statistics{}, fmt.Errorf("decode pnl: %w", err)
		}
		stats.TotalTrades++
		switch pnl.Sign() {
		case 1:
			stats.Wins++
		case -1:
			stats.Losses++
		}
		total = total.Add(pnl)
	}
	if err := rows.Err(); err != nil {
		return Statistics{}, err
	}

	stats.TotalPnL = total.Round(quote.MoneyPlaces)
	stats.WinRate = decimal.Zero
	if stats.TotalTrades > 0 {
		stats.WinRate = decimal.NewFromInt(stats.Wins).
			Div(decimal.NewFromInt(stats.TotalTrades)).
			Mul(decimal.NewFromInt(100)).
			Round(quote.MoneyPlaces)
	}
	return stats, nil
}

func scanSignal(row rowScanner) (Signal, error) {
	var (
		id, symbol, side, entry, qty, status, note string
		target, stop                               sql.NullString
		createdAt, updatedAt                       int64
		triggeredAt                                sql.NullInt64
	)
	if err := row.Scan(&id, &symbol, &side, &entry, &qty, &target, &stop, &status, &note, &createdAt, &updatedAt, &triggeredAt); err != nil {
		return Signal{}, err
	}

	sig := Signal{
		Symbol:    quote.Symbol(symbol),
		Side:      Side(side),
		Status:    SignalStatus(status),
		Note:      note,
		CreatedAt: fromMillis(createdAt),
		UpdatedAt: fromMillis(updatedAt),
	}
	var err error
	if sig.ID, err = uuid.Parse(id); err != nil {
		return Signal{}, err
	}
	if sig.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return Signal{}, err
	}
	if sig.Quantity, err = decimal.NewFromString(qty); err != nil {
		return Signal{}, err
	}
	if sig.TargetPrice, err = parseNullDecimal(target); err != nil {
		return Signal{}, err
	}
	if sig.StopLoss, err = parseNullDecimal(stop); err != nil {
		return Signal{}, err
	}
	if triggeredAt.Valid {
		t := fromMillis(triggeredAt.Int64)
		sig.TriggeredAt = &t
	}
	return sig, nil
}

func nullMillisArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}
