package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tradedesk/trading-engine/internal/broker"
	"github.com/tradedesk/trading-engine/internal/metrics"
	"github.com/tradedesk/trading-engine/internal/model"
	"github.com/tradedesk/trading-engine/internal/payment"
	"github.com/tradedesk/trading-engine/internal/portfolio"
	"github.com/tradedesk/trading-engine/internal/store"
)

const fillPollLimit = 4

// CancelOrder cancels a PLACED order of userID at the broker and reverses
// its settlement. Orders of other users are reported as not cancelable.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := e.store.GetOrder(ctx, orderID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && o.UserID != userID) {
		return nil, fmt.Errorf("%w: order %s not found", model.ErrOrderNotCancelable, orderID)
	}
	if err != nil {
		return nil, err
	}
	if o.Status != model.StatusPlaced {
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrOrderNotCancelable, orderID, o.Status)
	}
	if o.Side == model.SideBuy {
		if err := e.checkSharesHeld(ctx, o); err != nil {
			return nil, err
		}
	}

	if err := e.broker.CancelOrder(ctx, o.ProviderOrderID); err != nil {
		return nil, err
	}

	var change *walletChange
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		change, err = e.reverse(ctx, tx, o)
		return err
	})
	if err != nil {
		// The broker has cancelled; the fill poll sees CANCELLED and
		// retries the reversal.
		slog.Error("order cancelled at broker but reversal failed",
			"order_id", o.ID, "provider_order_id", o.ProviderOrderID, "err", err)
		return nil, fmt.Errorf("%w: cancel %s: %v", model.ErrPersistence, o.ID, err)
	}

	metrics.OrderTransitions.WithLabelValues(string(model.StatusCancelled), "user").Inc()
	slog.Info("order cancelled", "order_id", o.ID, "user_id", userID, "side", o.Side)
	if change != nil {
		e.walletUpdated(userID, change)
	}
	e.orderUpdated(o)
	return o, nil
}

// checkSharesHeld rejects cancelling a BUY whose shares were sold since.
func (e *Engine) checkSharesHeld(ctx context.Context, o *model.Order) error {
	positions, err := e.store.ListPositions(ctx, o.UserID)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Symbol == o.Symbol && p.Exchange == o.Exchange && p.Quantity >= o.Quantity {
			return nil
		}
	}
	return fmt.Errorf("%w: shares bought by %s were already sold", model.ErrOrderNotCancelable, o.ID)
}

// reverse moves a PLACED order to CANCELLED inside tx and undoes its
// settlement: a BUY is refunded and its shares removed, a SELL puts the
// shares back at their cost basis. o is updated in place.
func (e *Engine) reverse(ctx context.Context, tx store.Tx, o *model.Order) (*walletChange, error) {
	at := e.now()
	if err := tx.UpdateOrderStatus(ctx, o.ID, model.StatusPlaced, model.StatusCancelled, at); err != nil {
		return nil, err
	}
	txn, err := tx.GetTransactionByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateTransactionStatus(ctx, txn.ID, model.TxCancelled, at); err != nil {
		return nil, err
	}

	pos, err := tx.GetPosition(ctx, o.UserID, o.Symbol, o.Exchange)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	var change *walletChange
	if o.Side == model.SideBuy {
		soldSince, err := tx.HasSaleAfter(ctx, txn)
		if err != nil {
			return nil, err
		}
		closed, err := portfolio.ReverseBuy(pos, o.Quantity, txn.Price, soldSince, at)
		if err != nil {
			return nil, err
		}
		if closed {
			err = tx.DeletePosition(ctx, o.UserID, o.Symbol, o.Exchange)
		} else {
			err = tx.UpsertPosition(ctx, pos)
		}
		if err != nil {
			return nil, err
		}

		entry := e.ledgerEntry(o.UserID, model.Credit, txn.NetAmount, o.ID,
			fmt.Sprintf("Refund for cancelled buy of %d %s:%s (%s)",
				o.Quantity, o.Exchange, o.Symbol, payment.Display(txn.NetAmount, e.currency)))
		balance, err := tx.CreditWallet(ctx, entry)
		if err != nil {
			return nil, err
		}
		change = &walletChange{balance: balance, entry: entry}
	} else {
		pos = portfolio.ReverseSell(pos, o.UserID, o.Symbol, o.Exchange, o.Quantity, txn.CostBasis, txn.RealizedPnL, at)
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return nil, err
		}
	}

	o.Status = model.StatusCancelled
	o.CancelledAt = &at
	return change, nil
}

// fill moves a PLACED order to FILLED inside tx, completing its
// transaction and crediting SELL proceeds.
func (e *Engine) fill(ctx context.Context, tx store.Tx, o *model.Order) (*walletChange, error) {
	at := e.now()
	if err := tx.UpdateOrderStatus(ctx, o.ID, model.StatusPlaced, model.StatusFilled, at); err != nil {
		return nil, err
	}
	txn, err := tx.GetTransactionByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateTransactionStatus(ctx, txn.ID, model.TxCompleted, at); err != nil {
		return nil, err
	}

	var change *walletChange
	if o.Side == model.SideSell {
		entry := e.ledgerEntry(o.UserID, model.Credit, txn.NetAmount, o.ID,
			fmt.Sprintf("Sale of %d %s:%s @ %s", o.Quantity, o.Exchange, o.Symbol, payment.Display(txn.Price, e.currency)))
		balance, err := tx.CreditWallet(ctx, entry)
		if err != nil {
			return nil, err
		}
		change = &walletChange{balance: balance, entry: entry}
	}

	o.Status = model.StatusFilled
	o.FilledAt = &at
	return change, nil
}

// ApplyBrokerUpdate applies a broker-side order state to a PLACED order.
// COMPLETE fills it; CANCELLED or REJECTED reverse it; anything else, or an
// order that is no longer PLACED, is left alone. The returned order is nil
// when nothing changed.
func (e *Engine) ApplyBrokerUpdate(ctx context.Context, orderID string, st *broker.OrderState) (*model.Order, error) {
	var apply func(context.Context, store.Tx, *model.Order) (*walletChange, error)
	switch st.Status {
	case broker.StateComplete:
		apply = e.fill
	case broker.StateCancelled, broker.StateRejected:
		apply = e.reverse
	default:
		return nil, nil
	}

	current, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	unlock, err := e.locks.Lock(ctx, current.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var o *model.Order
	var change *walletChange
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.StatusPlaced {
			o = nil
			return nil
		}
		change, err = apply(ctx, tx, o)
		return err
	})
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, nil
	}

	metrics.OrderTransitions.WithLabelValues(string(o.Status), "broker").Inc()
	slog.Info("order updated from broker",
		"order_id", o.ID, "user_id", o.UserID, "status", o.Status, "broker_status", st.Status)
	if change != nil {
		e.walletUpdated(o.UserID, change)
	}
	e.orderUpdated(o)
	return o, nil
}

// FillReport summarizes one fill confirmation pass.
type FillReport struct {
	Checked   int `json:"checked"`
	Filled    int `json:"filled"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

// ConfirmFills polls the broker for every PLACED order and applies the
// result. Per-order failures are logged and counted, never returned.
func (e *Engine) ConfirmFills(ctx context.Context) (FillReport, error) {
	var report FillReport
	orders, err := e.store.ListOrdersByStatus(ctx, model.StatusPlaced)
	if err != nil {
		return report, err
	}
	if len(orders) == 0 {
		return report, nil
	}
	if !e.broker.IsAvailable() {
		return report, fmt.Errorf("%w: cannot confirm %d orders", model.ErrBrokerUnavailable, len(orders))
	}

	start := time.Now()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fillPollLimit)

	for _, o := range orders {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			st, err := e.broker.OrderStatus(gctx, o.ProviderOrderID)
			var updated *model.Order
			if err == nil {
				updated, err = e.ApplyBrokerUpdate(gctx, o.ID, st)
			}

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch {
			case err != nil:
				report.Failed++
				slog.Warn("fill confirmation failed", "order_id", o.ID, "provider_order_id", o.ProviderOrderID, "err", err)
			case updated == nil:
			case updated.Status == model.StatusFilled:
				report.Filled++
			case updated.Status == model.StatusCancelled:
				report.Cancelled++
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("fill confirmation pass",
		"checked", report.Checked,
		"filled", report.Filled,
		"cancelled", report.Cancelled,
		"failed", report.Failed,
		"duration", time.Since(start).String(),
	)
	return report, ctx.Err()
}
