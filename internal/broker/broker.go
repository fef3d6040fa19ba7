// Package broker defines the gateway to the external trading venue and its
// implementations: a Kite Connect REST client, a paper-trading simulator,
// and a disabled gateway for deployments without broker credentials.
//
// Every implementation is meant to be wrapped in a Guard, which enforces
// call timeouts and reports any outage uniformly as
// model.ErrBrokerUnavailable.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/model"
)

// Broker-side order states reported by OrderStatus.
const (
	StateOpen      = "OPEN"
	StateComplete  = "COMPLETE"
	StateCancelled = "CANCELLED"
	StateRejected  = "REJECTED"
)

// OHLC is the day's open/high/low/close.
type OHLC struct {
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// Quote is a point-in-time market snapshot for one instrument.
type Quote struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	LTP       decimal.Decimal `json:"ltp"`
	OHLC      OHLC            `json:"ohlc"`
	Volume    int64           `json:"volume"`
	Change    decimal.Decimal `json:"change"` // LTP minus previous close
	Timestamp time.Time       `json:"timestamp"`
}

// OrderParams is what the engine asks the venue to execute.
type OrderParams struct {
	Exchange     string
	Symbol       string
	Side         model.Side
	Quantity     int64
	OrderType    model.OrderType
	Price        *decimal.Decimal
	TriggerPrice *decimal.Decimal
	Validity     model.Validity
	Tag          string // our order ID, echoed back by the venue
}

// Placement is the venue's acknowledgement of an accepted order.
type Placement struct {
	ProviderOrderID string `json:"provider_order_id"`
}

// OrderState is the venue's current view of an order.
type OrderState struct {
	ProviderOrderID string          `json:"provider_order_id"`
	Status          string          `json:"status"`
	FilledQuantity  int64           `json:"filled_quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	Message         string          `json:"message,omitempty"`
}

// Profile is the account linked at the venue.
type Profile struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
	Broker   string `json:"broker"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Gateway is the external trading venue.
//
// PlaceOrder returns an error wrapping model.ErrOrderRejected when the venue
// explicitly declines the order; any other error means the outcome is
// unknown or the venue could not be reached. CancelOrder returns an error
// wrapping model.ErrOrderNotCancelable when the venue says the order can no
// longer be cancelled.
type Gateway interface {
	// IsAvailable reports whether the gateway is configured and usable.
	IsAvailable() bool

	GetQuote(ctx context.Context, exchange, symbol string) (*Quote, error)
	PlaceOrder(ctx context.Context, p OrderParams) (*Placement, error)
	CancelOrder(ctx context.Context, providerOrderID string) error
	OrderStatus(ctx context.Context, providerOrderID string) (*OrderState, error)
	GetProfile(ctx context.Context) (*Profile, error)
	HistoricalCandles(ctx context.Context, token int64, interval string, from, to time.Time) ([]Candle, error)
}
