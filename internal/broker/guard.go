package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradedesk/trading-engine/internal/metrics"
	"github.com/tradedesk/trading-engine/internal/model"
)

// Guard wraps a Gateway with availability checks, a per-call timeout, and
// error normalization. Venue rejections pass through; everything else,
// including timeouts, becomes model.ErrBrokerUnavailable.
type Guard struct {
	inner   Gateway
	timeout time.Duration
}

// NewGuard wraps gw. A nil gw behaves like Disabled.
func NewGuard(gw Gateway, timeout time.Duration) *Guard {
	if gw == nil {
		gw = Disabled{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Guard{inner: gw, timeout: timeout}
}

func (g *Guard) IsAvailable() bool { return g.inner.IsAvailable() }

func (g *Guard) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !g.inner.IsAvailable() {
		return fmt.Errorf("%w: not configured", model.ErrBrokerUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrOrderRejected) || errors.Is(err, model.ErrOrderNotCancelable) ||
		errors.Is(err, model.ErrBrokerUnavailable) {
		return err
	}

	metrics.BrokerErrors.WithLabelValues(op).Inc()
	slog.Warn("broker call failed", "op", op, "err", err)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out after %s", model.ErrBrokerUnavailable, op, g.timeout)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrBrokerUnavailable, op, err)
}

func (g *Guard) GetQuote(ctx context.Context, exchange, symbol string) (*Quote, error) {
	var q *Quote
	err := g.call(ctx, "quote", func(ctx context.Context) (err error) {
		q, err = g.inner.GetQuote(ctx, exchange, symbol)
		return err
	})
	return q, err
}

func (g *Guard) PlaceOrder(ctx context.Context, p OrderParams) (*Placement, error) {
	var pl *Placement
	err := g.call(ctx, "place_order", func(ctx context.Context) (err error) {
		pl, err = g.inner.PlaceOrder(ctx, p)
		return err
	})
	return pl, err
}

func (g *Guard) CancelOrder(ctx context.Context, providerOrderID string) error {
	return g.call(ctx, "cancel_order", func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, providerOrderID)
	})
}

func (g *Guard) OrderStatus(ctx context.Context, providerOrderID string) (*OrderState, error) {
	var st *OrderState
	err := g.call(ctx, "order_status", func(ctx context.Context) (err error) {
		st, err = g.inner.OrderStatus(ctx, providerOrderID)
		return err
	})
	return st, err
}

func (g *Guard) GetProfile(ctx context.Context) (*Profile, error) {
	var p *Profile
	err := g.call(ctx, "profile", func(ctx context.Context) (err error) {
		p, err = g.inner.GetProfile(ctx)
		return err
	})
	return p, err
}

func (g *Guard) HistoricalCandles(ctx context.Context, token int64, interval string, from, to time.Time) ([]Candle, error) {
	var candles []Candle
	err := g.call(ctx, "historical", func(ctx context.Context) (err error) {
		candles, err = g.inner.HistoricalCandles(ctx, token, interval, from, to)
		return err
	})
	return candles, err
}

// Disabled is the gateway used when no broker is configured.
type Disabled struct{}

var errDisabled = fmt.Errorf("%w: broker disabled", model.ErrBrokerUnavailable)

func (Disabled) IsAvailable() bool { return false }

func (Disabled) GetQuote(context.Context, string, string) (*Quote, error) { return nil, errDisabled }

func (Disabled) PlaceOrder(context.Context, OrderParams) (*Placement, error) { return nil, errDisabled }

func (Disabled) CancelOrder(context.Context, string) error { return errDisabled }

func (Disabled) OrderStatus(context.Context, string) (*OrderState, error) { return nil, errDisabled }

func (Disabled) GetProfile(context.Context) (*Profile, error) { return nil, errDisabled }

func (Disabled) HistoricalCandles(context.Context, int64, string, time.Time, time.Time) ([]Candle, error) {
	return nil, errDisabled
}
