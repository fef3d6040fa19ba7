package portfolio

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/model"
)

// ApplyBuy adds qty shares bought at price using weighted-average cost.
// A nil p opens a new position.
func ApplyBuy(p *model.Position, userID, symbol, exchange string, qty int64, price decimal.Decimal, at time.Time) *model.Position {
	if p == nil {
		p = &model.Position{
			UserID:        userID,
			Symbol:        symbol,
			Exchange:      exchange,
			AveragePrice:  decimal.Zero,
			TotalInvested: decimal.Zero,
			RealizedPnL:   decimal.Zero,
			CreatedAt:     at,
		}
	}
	p.TotalInvested = p.TotalInvested.Add(price.Mul(decimal.NewFromInt(qty)))
	p.Quantity += qty
	p.AveragePrice = p.TotalInvested.Div(decimal.NewFromInt(p.Quantity))
	p.Mark(price, at)
	return p
}

// SellResult describes the effect of a sale on a position.
type SellResult struct {
	CostBasis   decimal.Decimal // average price of the shares sold
	RealizedPnL decimal.Decimal
	Closed      bool // position quantity reached zero
}

// ApplySell removes qty shares sold at price and realizes P&L against the
// average cost. Selling more than is held is ErrInsufficientHoldings.
func ApplySell(p *model.Position, qty int64, price decimal.Decimal, at time.Time) (SellResult, error) {
	if p == nil || qty > p.Quantity {
		held := int64(0)
		if p != nil {
			held = p.Quantity
		}
		return SellResult{}, fmt.Errorf("%w: hold %d, selling %d", model.ErrInsufficientHoldings, held, qty)
	}
	res := SellResult{CostBasis: p.AveragePrice}
	res.RealizedPnL = price.Sub(p.AveragePrice).Mul(decimal.NewFromInt(qty))

	p.Quantity -= qty
	p.TotalInvested = p.AveragePrice.Mul(decimal.NewFromInt(p.Quantity))
	p.RealizedPnL = p.RealizedPnL.Add(res.RealizedPnL)
	p.Mark(price, at)
	res.Closed = p.Quantity == 0
	return res, nil
}

// ReverseBuy takes back qty shares that were bought at price. Without a
// sale since the buy, the buy's own cost is removed, which restores the
// position exactly. After a sale the shares leave at the current average
// price, so the average is unchanged. Shares already sold cannot be taken
// back. closed reports that nothing remains; a position emptied this way
// that still carries realized P&L is kept at zero quantity instead.
func ReverseBuy(p *model.Position, qty int64, price decimal.Decimal, soldSince bool, at time.Time) (closed bool, err error) {
	if p == nil || p.Quantity < qty {
		return false, fmt.Errorf("%w: bought shares were already sold", model.ErrOrderNotCancelable)
	}
	p.Quantity -= qty
	if p.Quantity == 0 {
		p.TotalInvested = decimal.Zero
		p.AveragePrice = decimal.Zero
		p.Mark(p.CurrentPrice, at)
		return p.RealizedPnL.IsZero(), nil
	}

	invested := p.TotalInvested.Sub(price.Mul(decimal.NewFromInt(qty)))
	if soldSince || invested.IsNegative() {
		invested = p.AveragePrice.Mul(decimal.NewFromInt(p.Quantity))
	}
	p.TotalInvested = invested
	p.AveragePrice = invested.Div(decimal.NewFromInt(p.Quantity))
	p.Mark(p.CurrentPrice, at)
	return false, nil
}

// ReverseSell puts back qty shares at their recorded cost basis and undoes
// the realized P&L of the sale. A nil p reopens the position; its realized
// P&L left with the closed position, so none is reversed.
func ReverseSell(p *model.Position, userID, symbol, exchange string, qty int64, costBasis, realized decimal.Decimal, at time.Time) *model.Position {
	if p == nil {
		p = &model.Position{
			UserID:        userID,
			Symbol:        symbol,
			Exchange:      exchange,
			TotalInvested: decimal.Zero,
			CurrentPrice:  costBasis,
			RealizedPnL:   realized,
			CreatedAt:     at,
		}
	}
	p.TotalInvested = p.TotalInvested.Add(costBasis.Mul(decimal.NewFromInt(qty)))
	p.Quantity += qty
	p.AveragePrice = p.TotalInvested.Div(decimal.NewFromInt(p.Quantity))
	p.RealizedPnL = p.RealizedPnL.Sub(realized)
	mark := p.CurrentPrice
	if mark.IsZero() {
		mark = costBasis
	}
	p.Mark(mark, at)
	return p
}
