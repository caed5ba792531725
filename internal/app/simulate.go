package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"metalwatch/internal/alerting"
	"metalwatch/internal/quote"
)

// SimulateAlert sends a synthetic signal notification through the configured channels.
func (a *App) SimulateAlert(ctx context.Context, symbol string, price decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	sym, err := quote.ParseSymbol(symbol)
	if err != nil {
		return err
	}

	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	if notifier == nil {
		return errors.New("no alerting channel configured")
	}

	return notifier.Notify(ctx, alerting.Notification{
		At:          time.Now().UTC(),
		SignalID:    "simulated",
		Symbol:      sym.String(),
		Side:        "buy",
		Reason:      alerting.ReasonTarget,
		Price:       price,
		EntryPrice:  price,
		TargetPrice: decimal.NewNullDecimal(price),
		Note:        "simulated notification",
	})
}
