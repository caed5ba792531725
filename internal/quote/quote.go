package quote

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol identifies a tracked metal.
type Symbol string

const (
	Gold      Symbol = "XAU"
	Silver    Symbol = "XAG"
	Platinum  Symbol = "XPT"
	Palladium Symbol = "XPD"
)

// Supported is the fixed, ordered set of tracked symbols.
var Supported = []Symbol{Gold, Silver, Platinum, Palladium}

// ParseSymbol normalises s and checks it against the supported set.
func ParseSymbol(s string) (Symbol, error) {
	sym := Symbol(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Supported {
		if sym == known {
			return sym, nil
		}
	}
	return "", fmt.Errorf("unknown metal symbol %q", s)
}

func (s Symbol) String() string { return string(s) }

// Quote is the latest priced snapshot for one symbol.
type Quote struct {
	Symbol        Symbol              `json:"symbol"`
	Bid           decimal.Decimal     `json:"bid"`
	Ask           decimal.Decimal     `json:"ask"`
	Mid           decimal.Decimal     `json:"mid"`
	PreviousClose decimal.NullDecimal `json:"previous_close"`
	DayHigh       decimal.NullDecimal `json:"day_high"`
	DayLow        decimal.NullDecimal `json:"day_low"`
	OpenPrice     decimal.NullDecimal `json:"open_price"`
	Change        decimal.NullDecimal `json:"change"`
	ChangePercent decimal.NullDecimal `json:"change_percent"`
	ObservedAt    time.Time           `json:"observed_at"`
	PersistedAt   time.Time           `json:"persisted_at"`
}

// MidDelta returns |q.Mid - other.Mid|.
func (q Quote) MidDelta(other Quote) decimal.Decimal {
	return q.Mid.Sub(other.Mid).Abs()
}
