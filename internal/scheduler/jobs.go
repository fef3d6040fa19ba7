package scheduler

import (
	"context"

	"github.com/tradedesk/trading-engine/internal/settlement"
)

// FillConfirmer is the part of the settlement engine the fill poll needs.
type FillConfirmer interface {
	ConfirmFills(ctx context.Context) (settlement.FillReport, error)
}

// PriceRefresher revalues every open position.
type PriceRefresher interface {
	RefreshAll(ctx context.Context) error
}

// ConfirmFillsJob polls the broker for the state of PLACED orders.
func ConfirmFillsJob(e FillConfirmer) Job {
	return Func("confirm_fills", func(ctx context.Context) error {
		_, err := e.ConfirmFills(ctx)
		return err
	})
}

// RefreshPricesJob marks all positions to market.
func RefreshPricesJob(p PriceRefresher) Job {
	return Func("refresh_prices", p.RefreshAll)
}
