// Package payment defines the gateway to the external payment processor
// (wallet top-ups and payouts), its Razorpay implementation, and helpers
// for converting between decimal amounts and currency minor units.
package payment

import (
	"context"
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// StatusCaptured is the payment status that allows a wallet credit.
const StatusCaptured = "captured"

// Payout modes.
const (
	ModeUPI  = "UPI"
	ModeIMPS = "IMPS"
	ModeNEFT = "NEFT"
)

// Order is a payment-gateway order the client pays against.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
	Receipt  string `json:"receipt,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Payment is a captured or attempted payment.
type Payment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
	Method   string `json:"method,omitempty"`
}

// Destination is where a payout is sent. VPA is used for UPI payouts,
// account number and IFSC for bank transfers.
type Destination struct {
	Name          string `json:"name"`
	VPA           string `json:"vpa,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
}

// PayoutRequest asks the gateway to send money out.
type PayoutRequest struct {
	Destination Destination
	Amount      int64 // minor units
	Currency    string
	Mode        string
	Reference   string
	Narration   string
}

// Payout is the gateway's record of a payout.
type Payout struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
	Mode   string `json:"mode"`
}

// Gateway is the external payment processor.
type Gateway interface {
	// IsAvailable reports whether the gateway is configured and usable.
	IsAvailable() bool

	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (*Order, error)
	VerifySignature(orderID, paymentID, signature string) bool
	FetchPayment(ctx context.Context, paymentID string) (*Payment, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error)
}

// ToMinor converts amount to integer minor units of currency, e.g. rupees
// to paise. Amounts with more precision than the currency supports fail.
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	c := money.GetCurrency(currency)
	if c == nil {
		return 0, fmt.Errorf("payment: unknown currency %q", currency)
	}
	minor := amount.Shift(int32(c.Fraction))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("payment: %s has more than %d decimal places", amount, c.Fraction)
	}
	return minor.IntPart(), nil
}

// FromMinor converts integer minor units back to a decimal amount.
func FromMinor(minor int64, currency string) decimal.Decimal {
	fraction := 2
	if c := money.GetCurrency(currency); c != nil {
		fraction = c.Fraction
	}
	return decimal.New(minor, -int32(fraction))
}

// Display formats an amount with the currency's symbol and grouping, e.g.
// "₹1,500.00".
func Display(amount decimal.Decimal, currency string) string {
	minor, err := ToMinor(amount.Round(2), currency)
	if err != nil {
		return amount.StringFixed(2) + " " + currency
	}
	return money.New(minor, currency).Display()
}
