// Package paymenttest provides a programmable payment.Gateway for tests.
package paymenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tradedesk/trading-engine/internal/payment"
)

// Secret signs checkout callbacks accepted by Fake.
const Secret = "test_secret"

// Fake is an in-memory payment processor. Payments registered with
// AddPayment are returned by FetchPayment; Sign produces signatures that
// VerifySignature accepts.
type Fake struct {
	sync.Mutex

	Down      bool
	OrderErr  error
	PayoutErr error

	Orders   []payment.Order
	Payments map[string]payment.Payment
	Payouts  []payment.PayoutRequest
	seq      int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{Payments: make(map[string]payment.Payment)}
}

// AddPayment registers a payment against orderID and returns its checkout
// signature.
func (f *Fake) AddPayment(orderID, paymentID, status string, amountMinor int64) string {
	f.Lock()
	defer f.Unlock()
	if f.Payments == nil {
		f.Payments = make(map[string]payment.Payment)
	}
	f.Payments[paymentID] = payment.Payment{
		ID: paymentID, OrderID: orderID, Status: status, Amount: amountMinor, Currency: "INR",
	}
	return payment.Sign(Secret, orderID, paymentID)
}

// PayoutCount returns how many payouts were requested successfully.
func (f *Fake) PayoutCount() int {
	f.Lock()
	defer f.Unlock()
	return len(f.Payouts)
}

func (f *Fake) IsAvailable() bool {
	f.Lock()
	defer f.Unlock()
	return !f.Down
}

func (f *Fake) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (*payment.Order, error) {
	f.Lock()
	defer f.Unlock()
	if f.OrderErr != nil {
		return nil, f.OrderErr
	}
	f.seq++
	o := payment.Order{
		ID: fmt.Sprintf("order_fake%d", f.seq), Amount: amountMinor,
		Currency: currency, Receipt: receipt, Status: "created",
	}
	f.Orders = append(f.Orders, o)
	return &o, nil
}

func (f *Fake) VerifySignature(orderID, paymentID, signature string) bool {
	return payment.VerifyHMAC(Secret, orderID, paymentID, signature)
}

func (f *Fake) FetchPayment(ctx context.Context, paymentID string) (*payment.Payment, error) {
	f.Lock()
	defer f.Unlock()
	p, ok := f.Payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("paymenttest: unknown payment %s", paymentID)
	}
	return &p, nil
}

func (f *Fake) CreatePayout(ctx context.Context, req payment.PayoutRequest) (*payment.Payout, error) {
	f.Lock()
	defer f.Unlock()
	if f.PayoutErr != nil {
		return nil, f.PayoutErr
	}
	f.seq++
	f.Payouts = append(f.Payouts, req)
	return &payment.Payout{
		ID: fmt.Sprintf("pout_fake%d", f.seq), Status: "processing", Amount: req.Amount, Mode: req.Mode,
	}, nil
}
