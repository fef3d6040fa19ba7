// Package settlement places and cancels orders against the broker and
// settles them atomically across orders, transactions, the wallet ledger
// and positions.
//
// Placement debits a BUY and moves the position immediately; a scheduled
// poll of broker order status later marks orders FILLED (crediting SELL
// proceeds) or reverses them when the broker cancels. Every operation for a
// user runs under that user's lock, shared with the wallet manager.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/broker"
	"github.com/tradedesk/trading-engine/internal/instrument"
	"github.com/tradedesk/trading-engine/internal/metrics"
	"github.com/tradedesk/trading-engine/internal/model"
	"github.com/tradedesk/trading-engine/internal/payment"
	"github.com/tradedesk/trading-engine/internal/portfolio"
	"github.com/tradedesk/trading-engine/internal/risk"
	"github.com/tradedesk/trading-engine/internal/store"
	"github.com/tradedesk/trading-engine/internal/userlock"
)

// FeeRate is the brokerage charged on notional, 0.1%.
var FeeRate = decimal.RequireFromString("0.001")

// Charges returns the fee on a notional amount, rounded to paise.
func Charges(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(FeeRate).Round(2)
}

// Notifier receives committed changes. Implementations must not block.
type Notifier interface {
	WalletUpdated(userID string, balance decimal.Decimal, entry *model.LedgerEntry)
	OrderUpdated(o model.Order)
}

// Engine is the order settlement engine.
type Engine struct {
	store    store.Store
	broker   broker.Gateway
	locks    *userlock.Locker
	limiter  *risk.ExposureLimiter
	notifier Notifier
	currency string
	now      func() time.Time
}

// NewEngine creates a settlement engine. A gateway that is not already a
// *broker.Guard is wrapped in one. limiter and notifier may be nil.
func NewEngine(st store.Store, gw broker.Gateway, locks *userlock.Locker, limiter *risk.ExposureLimiter, notifier Notifier, currency string) *Engine {
	if _, ok := gw.(*broker.Guard); !ok {
		gw = broker.NewGuard(gw, 0)
	}
	if locks == nil {
		locks = userlock.New()
	}
	if currency == "" {
		currency = "INR"
	}
	return &Engine{
		store:    st,
		broker:   gw,
		locks:    locks,
		limiter:  limiter,
		notifier: notifier,
		currency: currency,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PlaceRequest is an order intent.
type PlaceRequest struct {
	UserID       string           `json:"-"`
	Symbol       string           `json:"symbol"`
	Exchange     string           `json:"exchange"`
	Side         model.Side       `json:"side"`
	Quantity     int64            `json:"quantity"`
	OrderType    model.OrderType  `json:"order_type"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"`
	Validity     model.Validity   `json:"validity,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// normalize validates req and fills defaults.
func (req *PlaceRequest) normalize() (instrument.Key, error) {
	if req.UserID == "" {
		return instrument.Key{}, invalid("user id is required")
	}
	key, err := instrument.Normalize(req.Exchange, req.Symbol)
	if err != nil {
		return instrument.Key{}, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	req.Exchange, req.Symbol = key.Exchange, key.Symbol

	req.Side = model.Side(strings.ToUpper(string(req.Side)))
	if !req.Side.Valid() {
		return key, invalid("side must be BUY or SELL")
	}
	if req.Quantity <= 0 {
		return key, invalid("quantity must be positive")
	}
	if req.OrderType == "" {
		req.OrderType = model.OrderMarket
	}
	req.OrderType = model.OrderType(strings.ToUpper(string(req.OrderType)))
	if !req.OrderType.Valid() {
		return key, invalid("unsupported order type %q", req.OrderType)
	}
	if req.OrderType.NeedsLimitPrice() && (req.LimitPrice == nil || !req.LimitPrice.IsPositive()) {
		return key, invalid("%s orders need a positive limit price", req.OrderType)
	}
	if req.OrderType.NeedsTrigger() && (req.TriggerPrice == nil || !req.TriggerPrice.IsPositive()) {
		return key, invalid("%s orders need a positive trigger price", req.OrderType)
	}
	if req.Validity == "" {
		req.Validity = model.ValidityDay
	}
	if req.Validity != model.ValidityDay && req.Validity != model.ValidityIOC {
		return key, invalid("unsupported validity %q", req.Validity)
	}
	return key, nil
}

// referencePrice is the limit price, or the live quote for orders without
// one.
func (e *Engine) referencePrice(ctx context.Context, req *PlaceRequest) (decimal.Decimal, error) {
	if req.OrderType.NeedsLimitPrice() {
		return *req.LimitPrice, nil
	}
	q, err := e.broker.GetQuote(ctx, req.Exchange, req.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !q.LTP.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no price for %s:%s", model.ErrBrokerUnavailable, req.Exchange, req.Symbol)
	}
	return q.LTP, nil
}

// PlaceOrder validates, checks funds, holdings and exposure, submits the
// order to the broker and settles it. Nothing is written unless the broker
// accepted or explicitly rejected the order.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*model.Order, error) {
	start := time.Now()
	key, err := req.normalize()
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, txn, err := e.prepare(ctx, key, &req)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(string(req.Side), outcome(err)).Inc()
		return nil, err
	}

	params := broker.OrderParams{
		Exchange:  order.Exchange,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  order.Quantity,
		OrderType: order.OrderType,
		Price:     order.LimitPrice,
		Validity:  order.Validity,
		Tag:       "td" + strings.ReplaceAll(order.ID, "-", "")[:10],
	}
	if order.OrderType.NeedsTrigger() {
		params.TriggerPrice = order.TriggerPrice
	}
	placement, err := e.broker.PlaceOrder(ctx, params)
	if err != nil {
		if errors.Is(err, model.ErrOrderRejected) {
			e.recordRejection(ctx, order, err)
		}
		metrics.OrdersTotal.WithLabelValues(string(req.Side), outcome(err)).Inc()
		return nil, err
	}
	order.ProviderOrderID = placement.ProviderOrderID

	var update *walletChange
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		update, err = e.settlePlacement(ctx, tx, order, txn)
		return err
	})
	if err != nil {
		e.compensate(order, err)
		// Another writer sharing the store can drain the wallet or the
		// position after prepare's checks; the conditional writes catch it.
		if errors.Is(err, model.ErrInsufficientFunds) || errors.Is(err, model.ErrInsufficientHoldings) {
			metrics.OrdersTotal.WithLabelValues(string(req.Side), outcome(err)).Inc()
			return nil, err
		}
		metrics.OrdersTotal.WithLabelValues(string(req.Side), "persistence").Inc()
		if errors.Is(err, model.ErrPersistence) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %s accepted by broker as %s but not recorded: %v",
			model.ErrPersistence, order.ID, order.ProviderOrderID, err)
	}

	metrics.OrdersTotal.WithLabelValues(string(order.Side), string(order.Status)).Inc()
	metrics.OrderLatency.WithLabelValues(string(order.Side)).Observe(time.Since(start).Seconds())
	slog.Info("order placed",
		"order_id", order.ID,
		"user_id", order.UserID,
		"instrument", key.String(),
		"side", order.Side,
		"qty", order.Quantity,
		"price", order.Price.String(),
		"provider_order_id", order.ProviderOrderID,
	)

	if update != nil {
		e.walletUpdated(order.UserID, update)
	}
	e.orderUpdated(order)
	return order, nil
}

// prepare runs every pre-broker check and builds the order and its
// transaction.
func (e *Engine) prepare(ctx context.Context, key instrument.Key, req *PlaceRequest) (*model.Order, *model.Transaction, error) {
	w, err := e.store.GetWallet(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}

	price, err := e.referencePrice(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	total := price.Mul(decimal.NewFromInt(req.Quantity))
	charges := Charges(total)

	positions, err := e.store.ListPositions(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}

	net := total.Add(charges)
	if req.Side == model.SideSell {
		net = total.Sub(charges)
		held := int64(0)
		for _, p := range positions {
			if p.Symbol == key.Symbol && p.Exchange == key.Exchange {
				held = p.Quantity
			}
		}
		if req.Quantity > held {
			return nil, nil, fmt.Errorf("%w: hold %d %s, selling %d",
				model.ErrInsufficientHoldings, held, key, req.Quantity)
		}
	} else {
		if net.GreaterThan(w.Balance) {
			return nil, nil, fmt.Errorf("%w: need %s, balance %s",
				model.ErrInsufficientFunds, net.StringFixed(2), w.Balance.StringFixed(2))
		}
		exposures := make(map[instrument.Key]decimal.Decimal, len(positions))
		for _, p := range positions {
			exposures[instrument.Key{Exchange: p.Exchange, Symbol: p.Symbol}] = p.TotalInvested
		}
		if err := e.limiter.CheckLimit(key, total, exposures); err != nil {
			metrics.LimitRejections.Inc()
			return nil, nil, fmt.Errorf("%w (%s)", err, key)
		}
	}

	now := e.now()
	order := &model.Order{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		Symbol:       key.Symbol,
		Exchange:     key.Exchange,
		Side:         req.Side,
		Quantity:     req.Quantity,
		OrderType:    req.OrderType,
		LimitPrice:   req.LimitPrice,
		TriggerPrice: req.TriggerPrice,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Validity:     req.Validity,
		Price:        price,
		Status:       model.StatusPending,
		CreatedAt:    now,
	}
	txn := &model.Transaction{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		OrderID:     order.ID,
		Symbol:      key.Symbol,
		Exchange:    key.Exchange,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Price:       price,
		TotalAmount: total,
		Charges:     charges,
		NetAmount:   net,
		CostBasis:   decimal.Zero,
		RealizedPnL: decimal.Zero,
		Status:      model.TxPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return order, txn, nil
}

type walletChange struct {
	balance decimal.Decimal
	entry   *model.LedgerEntry
}

// settlePlacement writes an accepted order inside tx.
func (e *Engine) settlePlacement(ctx context.Context, tx store.Tx, order *model.Order, txn *model.Transaction) (*walletChange, error) {
	at := order.CreatedAt
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := tx.UpdateOrderStatus(ctx, order.ID, model.StatusPending, model.StatusPlaced, at); err != nil {
		return nil, err
	}
	order.Status = model.StatusPlaced
	order.PlacedAt = &at

	pos, err := tx.GetPosition(ctx, order.UserID, order.Symbol, order.Exchange)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	var change *walletChange
	if order.Side == model.SideBuy {
		entry := e.ledgerEntry(order.UserID, model.Debit, txn.NetAmount, order.ID,
			fmt.Sprintf("Buy %d %s:%s @ %s", order.Quantity, order.Exchange, order.Symbol, payment.Display(order.Price, e.currency)))
		balance, err := tx.DebitWallet(ctx, entry)
		if err != nil {
			return nil, err
		}
		change = &walletChange{balance: balance, entry: entry}

		pos = portfolio.ApplyBuy(pos, order.UserID, order.Symbol, order.Exchange, order.Quantity, order.Price, at)
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return nil, err
		}
	} else {
		res, err := portfolio.ApplySell(pos, order.Quantity, order.Price, at)
		if err != nil {
			return nil, err
		}
		txn.CostBasis = res.CostBasis
		txn.RealizedPnL = res.RealizedPnL
		if res.Closed {
			err = tx.DeletePosition(ctx, order.UserID, order.Symbol, order.Exchange)
		} else {
			err = tx.UpsertPosition(ctx, pos)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return change, nil
}

// recordRejection persists an order the broker refused.
func (e *Engine) recordRejection(ctx context.Context, order *model.Order, reason error) {
	order.RejectReason = reason.Error()
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, order.ID, model.StatusPending, model.StatusRejected, e.now())
	})
	if err != nil {
		slog.Error("failed to record rejected order", "order_id", order.ID, "user_id", order.UserID, "err", err)
		return
	}
	order.Status = model.StatusRejected
	slog.Info("order rejected by broker", "order_id", order.ID, "user_id", order.UserID, "reason", order.RejectReason)
	e.orderUpdated(order)
}

// compensate cancels at the broker an order that could not be recorded.
func (e *Engine) compensate(order *model.Order, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.broker.CancelOrder(ctx, order.ProviderOrderID); err != nil {
		slog.Error("compensating cancel failed; broker order is orphaned",
			"order_id", order.ID,
			"provider_order_id", order.ProviderOrderID,
			"cause", cause,
			"err", err,
		)
		return
	}
	slog.Warn("order cancelled at broker after persistence failure",
		"order_id", order.ID, "provider_order_id", order.ProviderOrderID, "cause", cause)
}

func (e *Engine) ledgerEntry(userID string, typ model.EntryType, amount decimal.Decimal, reference, description string) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Description: description,
		Reference:   reference,
		Timestamp:   e.now(),
	}
}

// ListOrders returns the user's orders, newest first.
func (e *Engine) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	orders, err := e.store.ListOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, nil
}

// ClearOrderHistory deletes the user's FILLED, CANCELLED and REJECTED
// orders. PLACED orders stay so fill confirmation can still settle them.
// Wallet and positions are untouched.
func (e *Engine) ClearOrderHistory(ctx context.Context, userID string) (int64, error) {
	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := e.store.DeleteOrders(ctx, userID)
	if err != nil {
		return 0, err
	}
	slog.Info("order history cleared", "user_id", userID, "deleted", n)
	return n, nil
}

func (e *Engine) walletUpdated(userID string, c *walletChange) {
	metrics.WalletMutations.WithLabelValues(string(c.entry.Type)).Inc()
	if e.notifier != nil {
		e.notifier.WalletUpdated(userID, c.balance, c.entry)
	}
}

func (e *Engine) orderUpdated(o *model.Order) {
	if e.notifier != nil {
		e.notifier.OrderUpdated(*o)
	}
}

// outcome labels a failed placement for metrics.
func outcome(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, model.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, model.ErrWalletNotFound):
		return "no_wallet"
	case errors.Is(err, model.ErrOrderRejected):
		return string(model.StatusRejected)
	case errors.Is(err, model.ErrBrokerUnavailable):
		return "broker_unavailable"
	}
	return "error"
}
