// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64 for money.
// Quantities are whole shares.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType is the execution style requested for an order.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// Valid reports whether t is one of the supported order types.
func (t OrderType) Valid() bool {
	switch t {
	case OrderMarket, OrderLimit, OrderStop, OrderStopLimit:
		return true
	}
	return false
}

// NeedsLimitPrice reports whether orders of this type carry a limit price.
func (t OrderType) NeedsLimitPrice() bool { return t == OrderLimit || t == OrderStopLimit }

// NeedsTrigger reports whether orders of this type carry a trigger price.
func (t OrderType) NeedsTrigger() bool { return t == OrderStop || t == OrderStopLimit }

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusPlaced    OrderStatus = "PLACED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusPending: {StatusPlaced, StatusRejected},
	StatusPlaced:  {StatusFilled, StatusCancelled},
}

// CanTransition reports whether an order may move from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool { return len(orderTransitions[s]) == 0 }

// Validity is how long an order rests at the broker.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// TransactionStatus is the settlement state of a Transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxCancelled TransactionStatus = "CANCELLED"
)

// EntryType is the direction of a ledger entry.
type EntryType string

const (
	Credit EntryType = "CREDIT"
	Debit  EntryType = "DEBIT"
)

// BankDetail is the user's payout destination.
type BankDetail struct {
	AccountHolder string `json:"account_holder,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
	UPI           string `json:"upi,omitempty"`
}

// User is an account holder. Identity fields are immutable after signup.
type User struct {
	ID           string      `json:"id" db:"id"`
	Email        string      `json:"email" db:"email"`
	PasswordHash string      `json:"-" db:"password_hash"`
	FullName     string      `json:"full_name" db:"full_name"`
	KYCVerified  bool        `json:"kyc_verified" db:"kyc_verified"`
	BankDetail   *BankDetail `json:"bank_detail,omitempty" db:"bank_detail"`
	BrokerLinked bool        `json:"broker_linked" db:"broker_linked"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// Wallet is a user's cash account. Balance always equals the sum of CREDIT
// entries minus the sum of DEBIT entries in Ledger.
type Wallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Currency  string          `json:"currency" db:"currency"`
	Ledger    []LedgerEntry   `json:"ledger" db:"-"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable balance-affecting event.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Type        EntryType       `json:"type" db:"type"`
	Amount      decimal.Decimal `json:"amount" db:"amount"` // always positive
	Description string          `json:"description" db:"description"`
	Reference   string          `json:"reference,omitempty" db:"reference"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// Signed returns the entry amount with the sign of its effect on balance.
func (e LedgerEntry) Signed() decimal.Decimal {
	if e.Type == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Order is one user order intent and its lifecycle.
type Order struct {
	ID              string           `json:"id" db:"id"`
	UserID          string           `json:"user_id" db:"user_id"`
	Symbol          string           `json:"symbol" db:"symbol"`
	Exchange        string           `json:"exchange" db:"exchange"`
	Side            Side             `json:"side" db:"side"`
	Quantity        int64            `json:"quantity" db:"quantity"`
	OrderType       OrderType        `json:"order_type" db:"order_type"`
	LimitPrice      *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	TriggerPrice    *decimal.Decimal `json:"trigger_price,omitempty" db:"trigger_price"`
	StopLoss        *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit      *decimal.Decimal `json:"take_profit,omitempty" db:"take_profit"`
	Validity        Validity         `json:"validity" db:"validity"`
	Price           decimal.Decimal  `json:"price" db:"price"` // reference price used for settlement
	Status          OrderStatus      `json:"status" db:"status"`
	ProviderOrderID string           `json:"provider_order_id,omitempty" db:"provider_order_id"`
	RejectReason    string           `json:"reject_reason,omitempty" db:"reject_reason"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	PlacedAt        *time.Time       `json:"placed_at,omitempty" db:"placed_at"`
	FilledAt        *time.Time       `json:"filled_at,omitempty" db:"filled_at"`
	CancelledAt     *time.Time       `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// Transaction is the settlement record derived from an order. Only Status
// changes after creation.
type Transaction struct {
	ID          string            `json:"id" db:"id"`
	UserID      string            `json:"user_id" db:"user_id"`
	OrderID     string            `json:"order_id" db:"order_id"`
	Symbol      string            `json:"symbol" db:"symbol"`
	Exchange    string            `json:"exchange" db:"exchange"`
	Side        Side              `json:"side" db:"side"`
	Quantity    int64             `json:"quantity" db:"quantity"`
	Price       decimal.Decimal   `json:"price" db:"price"`
	TotalAmount decimal.Decimal   `json:"total_amount" db:"total_amount"` // quantity * price
	Charges     decimal.Decimal   `json:"charges" db:"charges"`
	NetAmount   decimal.Decimal   `json:"net_amount" db:"net_amount"`     // BUY: total+charges, SELL: total-charges
	CostBasis   decimal.Decimal   `json:"cost_basis" db:"cost_basis"`     // average price at sale, SELL only
	RealizedPnL decimal.Decimal   `json:"realized_pnl" db:"realized_pnl"` // SELL only
	Status      TransactionStatus `json:"status" db:"status"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// Position is a user's holding in one (symbol, exchange).
type Position struct {
	UserID        string          `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Exchange      string          `json:"exchange" db:"exchange"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	CurrentPrice  decimal.Decimal `json:"current_price" db:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value" db:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"` // currentValue - totalInvested
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	LastUpdated   time.Time       `json:"last_updated" db:"last_updated"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Mark revalues the position at price.
func (p *Position) Mark(price decimal.Decimal, at time.Time) {
	p.CurrentPrice = price
	p.CurrentValue = price.Mul(decimal.NewFromInt(p.Quantity))
	p.UnrealizedPnL = p.CurrentValue.Sub(p.TotalInvested)
	p.LastUpdated = at
}

// WatchlistEntry is an observed instrument with optional alert thresholds.
// The hit flags are derived from a live quote and never stored.
type WatchlistEntry struct {
	ID          string           `json:"id" db:"id"`
	UserID      string           `json:"user_id" db:"user_id"`
	Symbol      string           `json:"symbol" db:"symbol"`
	Exchange    string           `json:"exchange" db:"exchange"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty" db:"target_price"`
	StopLoss    *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	Notes       string           `json:"notes,omitempty" db:"notes"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`

	LastPrice   *decimal.Decimal `json:"last_price,omitempty" db:"-"`
	TargetHit   bool             `json:"target_hit" db:"-"`
	StopLossHit bool             `json:"stop_loss_hit" db:"-"`
}

// PortfolioSummary aggregates a user's holdings.
type PortfolioSummary struct {
	UserID           string          `json:"user_id"`
	Holdings         []Position      `json:"holdings"`
	TotalInvested    decimal.Decimal `json:"total_invested"`
	CurrentValue     decimal.Decimal `json:"current_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	ReturnPercentage decimal.Decimal `json:"return_percentage"`
}

// DailyPnL is one day of realized trading results.
type DailyPnL struct {
	Date        string          `json:"date"` // YYYY-MM-DD, UTC
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Cumulative  decimal.Decimal `json:"cumulative"`
	NetFlow     decimal.Decimal `json:"net_flow"` // SELL net minus BUY net
	Trades      int             `json:"trades"`
}

// SymbolPerformance is realized P&L aggregated per instrument.
type SymbolPerformance struct {
	Symbol      string          `json:"symbol"`
	Exchange    string          `json:"exchange"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Trades      int             `json:"trades"`
	Volume      int64           `json:"volume"`
}

// Analytics summarises completed trading activity over a period.
type Analytics struct {
	UserID        string              `json:"user_id"`
	Period        string              `json:"period"`
	From          time.Time           `json:"from"`
	To            time.Time           `json:"to"`
	TotalTrades   int                 `json:"total_trades"`
	RealizedPnL   decimal.Decimal     `json:"realized_pnl"`
	WinRate       float64             `json:"win_rate"`
	MeanDailyPnL  float64             `json:"mean_daily_pnl"`
	DailyPnLStdev float64             `json:"daily_pnl_stdev"`
	DailyPnL      []DailyPnL          `json:"daily_pnl"`
	TopPerformers []SymbolPerformance `json:"top_performers"`
}
