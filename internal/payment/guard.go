package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradedesk/trading-engine/internal/metrics"
	"github.com/tradedesk/trading-engine/internal/model"
)

// Guard wraps a Gateway with availability checks and a per-call timeout.
// Failures become model.ErrPaymentUnavailable unless they already carry a
// payment error class.
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
		timeout = 15 * time.Second
	}
	return &Guard{inner: gw, timeout: timeout}
}

func (g *Guard) IsAvailable() bool { return g.inner.IsAvailable() }

func (g *Guard) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !g.inner.IsAvailable() {
		return fmt.Errorf("%w: not configured", model.ErrPaymentUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrPaymentUnavailable) || errors.Is(err, model.ErrPaymentRejected) ||
		errors.Is(err, model.ErrPayoutFailed) {
		return err
	}

	metrics.PaymentErrors.WithLabelValues(op).Inc()
	slog.Warn("payment call failed", "op", op, "err", err)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out after %s", model.ErrPaymentUnavailable, op, g.timeout)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrPaymentUnavailable, op, err)
}

func (g *Guard) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (*Order, error) {
	var o *Order
	err := g.call(ctx, "create_order", func(ctx context.Context) (err error) {
		o, err = g.inner.CreateOrder(ctx, amountMinor, currency, receipt)
		return err
	})
	return o, err
}

// VerifySignature never touches the network, so it skips the guard.
func (g *Guard) VerifySignature(orderID, paymentID, signature string) bool {
	return g.inner.VerifySignature(orderID, paymentID, signature)
}

func (g *Guard) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p *Payment
	err := g.call(ctx, "fetch_payment", func(ctx context.Context) (err error) {
		p, err = g.inner.FetchPayment(ctx, paymentID)
		return err
	})
	return p, err
}

// CreatePayout maps non-timeout failures to model.ErrPayoutFailed so the
// caller can tell a refused payout from an unreachable processor.
func (g *Guard) CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	if !g.inner.IsAvailable() {
		return nil, fmt.Errorf("%w: not configured", model.ErrPaymentUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	p, err := g.inner.CreatePayout(ctx, req)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, model.ErrPaymentUnavailable) || errors.Is(err, model.ErrPayoutFailed) {
		return nil, err
	}
	metrics.PaymentErrors.WithLabelValues("payout").Inc()
	slog.Warn("payout failed", "reference", req.Reference, "err", err)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: payout timed out after %s", model.ErrPaymentUnavailable, g.timeout)
	}
	return nil, fmt.Errorf("%w: %v", model.ErrPayoutFailed, err)
}

// Disabled is the gateway used when no payment processor is configured.
type Disabled struct{}

var errDisabled = fmt.Errorf("%w: payments disabled", model.ErrPaymentUnavailable)

func (Disabled) IsAvailable() bool { return false }

func (Disabled) CreateOrder(context.Context, int64, string, string) (*Order, error) {
	return nil, errDisabled
}

func (Disabled) VerifySignature(string, string, string) bool { return false }

func (Disabled) FetchPayment(context.Context, string) (*Payment, error) { return nil, errDisabled }

func (Disabled) CreatePayout(context.Context, PayoutRequest) (*Payout, error) {
	return nil, errDisabled
}
