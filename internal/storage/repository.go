package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"metalwatch/internal/quote"
)

const (
	upsertPriceSQL = `INSERT INTO prices (
        symbol, bid, ask, mid, previous_close, day_high, day_low, open_price,
        change, change_pct, observed_at, updated_at
    ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
    ON CONFLICT (symbol) DO UPDATE
    SET
        bid            = excluded.bid,
        ask            = excluded.ask,
        mid            = excluded.mid,
        previous_close = excluded.previous_close,
        day_high       = excluded.day_high,
        day_low        = excluded.day_low,
        open_price     = excluded.open_price,
        change         = excluded.change,
        change_pct     = excluded.change_pct,
        observed_at    = excluded.observed_at,
        updated_at     = excluded.updated_at`

	insertHistorySQL = `INSERT INTO price_history (symbol, bid, ask, mid, observed_at, recorded_at)
    VALUES (?,?,?,?,?,?)`

	selectPricesSQL = `SELECT
        symbol, bid, ask, mid, previous_close, day_high, day_low, open_price,
        change, change_pct, observed_at, updated_at
    FROM prices
    ORDER BY symbol`

	deleteHistoryBeforeSQL = `DELETE FROM price_history WHERE observed_at < ?`
)

//go:generate mockgen -destination=storagemock/price_store.go -package=storagemock . PriceStore

// PriceStore persists the latest quote per symbol.
type PriceStore interface {
	UpsertQuote(ctx context.Context, q quote.Quote) error
	LoadQuotes(ctx context.Context) ([]quote.Quote, error)
}

// HistoryStore exposes the append-only price history.
type HistoryStore interface {
	ListHistory(ctx context.Context, query HistoryQuery) ([]HistoryPoint, error)
	PruneHistory(ctx context.Context, olderThan time.Time) (int64, error)
}

// SignalStore manages the signal ledger.
type SignalStore interface {
	CreateSignal(ctx context.Context, sig Signal) error
	GetSignal(ctx context.Context, id string) (Signal, error)
	ListSignals(ctx context.Context, filter SignalFilter) ([]Signal, error)
	TransitionSignal(ctx context.Context, id string, from []SignalStatus, to SignalStatus, at time.Time) (Signal, error)
}

// TradeStore records realised trades and aggregates them.
type TradeStore interface {
	CloseSignal(ctx context.Context, id string, exit decimal.Decimal, at time.Time) (TradeHistory, error)
	ListTrades(ctx context.Context, limit int) ([]TradeHistory, error)
	Statistics(ctx context.Context) (Statistics, error)
}

var (
	_ PriceStore   = (*Store)(nil)
	_ HistoryStore = (*Store)(nil)
	_ SignalStore  = (*Store)(nil)
	_ TradeStore   = (*Store)(nil)
)

// UpsertQuote writes the latest quote for its symbol and appends a history point.
func (s *Store) UpsertQuote(ctx context.Context, q quote.Quote) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	persisted := q.PersistedAt
	if persisted.IsZero() {
		persisted = time.Now()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert %s: %w", q.Symbol, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(upsertPriceSQL),
		q.Symbol.String(),
		q.Bid.String(),
		q.Ask.String(),
		q.Mid.String(),
		nullDecimalArg(q.PreviousClose),
		nullDecimalArg(q.DayHigh),
		nullDecimalArg(q.DayLow),
		nullDecimalArg(q.OpenPrice),
		nullDecimalArg(q.Change),
		nullDecimalArg(q.ChangePercent),
		toMillis(q.ObservedAt),
		toMillis(persisted),
	)
	if err != nil {
		return fmt.Errorf("upsert price %s: %w", q.Symbol, err)
	}

	_, err = tx.ExecContext(ctx, s.q(insertHistorySQL),
		q.Symbol.String(),
		q.Bid.String(),
		q.Ask.String(),
		q.Mid.String(),
		toMillis(q.ObservedAt),
		toMillis(persisted),
	)
	if err != nil {
		return fmt.Errorf("append history %s: %w", q.Symbol, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert %s: %w", q.Symbol, err)
	}
	return nil
}

// LoadQuotes returns every persisted latest quote.
func (s *Store) LoadQuotes(ctx context.Context) ([]quote.Quote, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectPricesSQL)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	var out []quote.Quote
	for rows.Next() {
		var (
			symbol, bid, ask, mid      string
			prevClose, high, low, open sql.NullString
			change, changePct          sql.NullString
			observedAt, updatedAt      int64
		)
		if err := rows.Scan(&symbol, &bid, &ask, &mid, &prevClose, &high, &low, &open,
			&change, &changePct, &observedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}

		sym, err := quote.ParseSymbol(symbol)
		if err != nil {
			continue
		}
		q := quote.Quote{
			Symbol:      sym,
			ObservedAt:  fromMillis(observedAt),
			PersistedAt: fromMillis(updatedAt),
		}
		if q.Bid, err = decimal.NewFromString(bid); err != nil {
			return nil, fmt.Errorf("decode bid %s: %w", symbol, err)
		}
		if q.Ask, err = decimal.NewFromString(ask); err != nil {
			return nil, fmt.Errorf("decode ask %s: %w", symbol, err)
		}
		if q.Mid, err = decimal.NewFromString(mid); err != nil {
			return nil, fmt.Errorf("decode mid %s: %w", symbol, err)
		}
		for _, f := range []struct {
			src *sql.NullString
			dst *decimal.NullDecimal
		}{
			{&prevClose, &q.PreviousClose},
			{&high, &q.DayHigh},
			{&low, &q.DayLow},
			{&open, &q.OpenPrice},
			{&change, &q.Change},
			{&changePct, &q.ChangePercent},
		} {
			if *f.dst, err = parseNullDecimal(*f.src); err != nil {
				return nil, fmt.Errorf("decode %s: %w", symbol, err)
			}
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ListHistory returns history points in ascending observation order.
func (s *Store) ListHistory(ctx context.Context, query HistoryQuery) ([]HistoryPoint, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	stmt := `SELECT symbol, bid, ask, mid, observed_at FROM price_history WHERE symbol = ?`
	args := []any{query.Symbol.String()}
	if !query.From.IsZero() {
		stmt += ` AND observed_at >= ?`
		args = append(args, toMillis(query.From))
	}
	if !query.To.IsZero() {
		stmt += ` AND observed_at < ?`
		args = append(args, toMillis(query.To))
	}
	stmt += ` ORDER BY observed_at DESC, id DESC`
	if query.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, query.Limit)
	}

	rows, err := db.QueryContext(ctx, s.q(stmt), args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryPoint
	for rows.Next() {
		var (
			symbol, bid, ask, mid string
			observedAt            int64
		)
		if err := rows.Scan(&symbol, &bid, &ask, &mid, &observedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		p := HistoryPoint{Symbol: quote.Symbol(symbol), ObservedAt: fromMillis(observedAt)}
		if p.Bid, err = decimal.NewFromString(bid); err != nil {
			return nil, err
		}
		if p.Ask, err = decimal.NewFromString(ask); err != nil {
			return nil, err
		}
		if p.Mid, err = decimal.NewFromString(mid); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneHistory deletes history observed before olderThan.
func (s *Store) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, s.q(deleteHistoryBeforeSQL), toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(ns sql.NullString) (decimal.NullDecimal, error) {
	if !ns.Valid || ns.String == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
