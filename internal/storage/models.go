package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"metalwatch/internal/quote"
)

// Side of a trade signal.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// SignalStatus tracks a signal through its lifecycle.
type SignalStatus string

const (
	StatusOpen      SignalStatus = "open"
	StatusTriggered SignalStatus = "triggered"
	StatusClosed    SignalStatus = "closed"
	StatusCancelled SignalStatus = "cancelled"
)

// Active reports whether the signal can still be triggered, closed or cancelled.
func (s SignalStatus) Active() bool {
	return s == StatusOpen || s == StatusTriggered
}

// Signal is a manually entered trade idea.
type Signal struct {
	ID          uuid.UUID           `json:"id"`
	Symbol      quote.Symbol        `json:"symbol"`
	Side        Side                `json:"side"`
	EntryPrice  decimal.Decimal     `json:"entry_price"`
	Quantity    decimal.Decimal     `json:"quantity"`
	TargetPrice decimal.NullDecimal `json:"target_price"`
	StopLoss    decimal.NullDecimal `json:"stop_loss"`
	Status      SignalStatus        `json:"status"`
	Note        string              `json:"note,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	TriggeredAt *time.Time          `json:"triggered_at,omitempty"`
}

// TradeHistory is the realised outcome of a closed signal.
type TradeHistory struct {
	ID         uuid.UUID       `json:"id"`
	SignalID   uuid.UUID       `json:"signal_id"`
	Symbol     quote.Symbol    `json:"symbol"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	PnL        decimal.Decimal `json:"pnl"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// Statistics aggregates the signal ledger.
type Statistics struct {
	TotalSignals int64           `json:"total_signals"`
	OpenSignals  int64           `json:"open_signals"`
	TotalTrades  int64           `json:"total_trades"`
	Wins         int64           `json:"wins"`
	Losses       int64           `json:"losses"`
	WinRate      decimal.Decimal `json:"win_rate"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
}

// HistoryPoint is one persisted price write.
type HistoryPoint struct {
	Symbol     quote.Symbol    `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Mid        decimal.Decimal `json:"mid"`
	ObservedAt time.Time       `json:"observed_at"`
}

// HistoryQuery selects price history. Zero bounds are open; Limit keeps the most recent points.
type HistoryQuery struct {
	Symbol quote.Symbol
	From   time.Time
	To     time.Time
	Limit  int
}

// SignalFilter narrows ListSignals. Zero fields match everything.
type SignalFilter struct {
	Symbol quote.Symbol
	Status SignalStatus
	Limit  int
}
