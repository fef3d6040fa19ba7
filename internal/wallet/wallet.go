// Package wallet manages user cash balances and their append-only ledger:
// top-ups through the payment gateway, payouts, and direct credits and
// debits. Every mutation runs under the user's lock and inside one store
// unit of work, so the balance always equals the ledger sum.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/metrics"
	"github.com/tradedesk/trading-engine/internal/model"
	"github.com/tradedesk/trading-engine/internal/payment"
	"github.com/tradedesk/trading-engine/internal/store"
	"github.com/tradedesk/trading-engine/internal/userlock"
)

// Notifier receives wallet changes after they commit. entry is nil when the
// ledger was cleared.
type Notifier interface {
	WalletUpdated(userID string, balance decimal.Decimal, entry *model.LedgerEntry)
}

// Update is the result of a wallet mutation.
type Update struct {
	Balance decimal.Decimal    `json:"balance"`
	Entry   *model.LedgerEntry `json:"ledger_entry,omitempty"`
}

// Manager owns wallet mutations.
type Manager struct {
	store    store.Store
	payments payment.Gateway
	locks    *userlock.Locker
	notifier Notifier
	currency string
	now      func() time.Time
}

// NewManager creates a wallet manager. locks must be the same Locker the
// settlement engine uses. notifier may be nil.
func NewManager(st store.Store, payments payment.Gateway, locks *userlock.Locker, notifier Notifier, currency string) *Manager {
	if payments == nil {
		payments = payment.Disabled{}
	}
	if locks == nil {
		locks = userlock.New()
	}
	if currency == "" {
		currency = "INR"
	}
	return &Manager{
		store:    st,
		payments: payments,
		locks:    locks,
		notifier: notifier,
		currency: currency,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Currency is the wallet currency code.
func (m *Manager) Currency() string { return m.currency }

// EnsureWallet creates an empty wallet for userID inside tx if none exists.
func EnsureWallet(ctx context.Context, tx store.Tx, userID, currency string, now time.Time) error {
	_, err := tx.GetWallet(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrWalletNotFound) {
		return err
	}
	return tx.CreateWallet(ctx, &model.Wallet{UserID: userID, Currency: currency, UpdatedAt: now})
}

// Balance returns the wallet and its ledger, creating an empty wallet on
// first access.
func (m *Manager) Balance(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := m.store.GetWallet(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, model.ErrWalletNotFound) {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		return EnsureWallet(ctx, tx, userID, m.currency, m.now())
	})
	unlock()
	if err != nil {
		return nil, err
	}
	return m.store.GetWallet(ctx, userID)
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", model.ErrInvalidRequest)
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: amount has more than 2 decimal places", model.ErrInvalidRequest)
	}
	return nil
}

func (m *Manager) entry(userID string, typ model.EntryType, amount decimal.Decimal, reference, description string) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Description: description,
		Reference:   reference,
		Timestamp:   m.now(),
	}
}

// Credit adds amount to the wallet.
func (m *Manager) Credit(ctx context.Context, userID string, amount decimal.Decimal, reference, description string) (*Update, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e := m.entry(userID, model.Credit, amount, reference, description)
	var balance decimal.Decimal
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		if err := EnsureWallet(ctx, tx, userID, m.currency, e.Timestamp); err != nil {
			return err
		}
		balance, err = tx.CreditWallet(ctx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.committed(userID, balance, e)
	return &Update{Balance: balance, Entry: e}, nil
}

// Debit removes amount from the wallet if the balance covers it.
func (m *Manager) Debit(ctx context.Context, userID string, amount decimal.Decimal, reference, description string) (*Update, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.debitLocked(ctx, userID, amount, reference, description)
}

func (m *Manager) debitLocked(ctx context.Context, userID string, amount decimal.Decimal, reference, description string) (*Update, error) {
	e := m.entry(userID, model.Debit, amount, reference, description)
	var balance decimal.Decimal
	err := m.store.InTx(ctx, func(tx store.Tx) (err error) {
		balance, err = tx.DebitWallet(ctx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.committed(userID, balance, e)
	return &Update{Balance: balance, Entry: e}, nil
}

// Withdraw pays amount out to dest and then debits the wallet. A zero dest
// falls back to the user's bank details; mode defaults to UPI. The wallet
// is untouched if the payout fails, and every payout failure is
// model.ErrPayoutFailed.
func (m *Manager) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, dest payment.Destination, mode string) (*Update, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = payment.ModeUPI
	}
	switch mode {
	case payment.ModeUPI, payment.ModeIMPS, payment.ModeNEFT:
	default:
		return nil, fmt.Errorf("%w: unsupported payout mode %q", model.ErrInvalidRequest, mode)
	}

	dest, err := m.destination(ctx, userID, dest, mode)
	if err != nil {
		return nil, err
	}
	minor, err := payment.ToMinor(amount, m.currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}

	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := m.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s, requested %s",
			model.ErrInsufficientFunds, w.Balance.StringFixed(2), amount.StringFixed(2))
	}

	reference := "wd_" + uuid.New().String()[:8]
	payout, err := m.payments.CreatePayout(ctx, payment.PayoutRequest{
		Destination: dest,
		Amount:      minor,
		Currency:    m.currency,
		Mode:        mode,
		Reference:   reference,
		Narration:   "Wallet withdrawal",
	})
	if err != nil {
		if errors.Is(err, model.ErrPayoutFailed) {
			return nil, err
		}
		// Timeouts and an unconfigured processor are payout failures too.
		return nil, fmt.Errorf("%w: %v", model.ErrPayoutFailed, err)
	}

	desc := fmt.Sprintf("Withdrawal of %s via %s", payment.Display(amount, m.currency), mode)
	upd, err := m.debitLocked(ctx, userID, amount, payout.ID, desc)
	if err != nil {
		slog.Error("payout sent but wallet debit failed",
			"user_id", userID, "payout_id", payout.ID, "amount", amount.String(), "err", err)
		if errors.Is(err, model.ErrPersistence) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: debit after payout %s: %v", model.ErrPersistence, payout.ID, err)
	}
	slog.Info("withdrawal completed", "user_id", userID, "payout_id", payout.ID, "amount", amount.String(), "mode", mode)
	return upd, nil
}

func (m *Manager) destination(ctx context.Context, userID string, dest payment.Destination, mode string) (payment.Destination, error) {
	if dest.VPA == "" && dest.AccountNumber == "" {
		u, err := m.store.GetUser(ctx, userID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return dest, err
		}
		if u != nil && u.BankDetail != nil {
			dest.VPA = u.BankDetail.UPI
			dest.AccountNumber = u.BankDetail.AccountNumber
			dest.IFSC = u.BankDetail.IFSC
			if dest.Name == "" {
				dest.Name = u.BankDetail.AccountHolder
			}
		}
		if u != nil && dest.Name == "" {
			dest.Name = u.FullName
		}
	}
	if mode == payment.ModeUPI && dest.VPA == "" {
		return dest, fmt.Errorf("%w: UPI payout needs a VPA", model.ErrInvalidRequest)
	}
	if mode != payment.ModeUPI && (dest.AccountNumber == "" || dest.IFSC == "") {
		return dest, fmt.Errorf("%w: bank payout needs account number and IFSC", model.ErrInvalidRequest)
	}
	return dest, nil
}

// Clear zeroes the balance and discards the ledger. Clearing an empty or
// missing wallet succeeds.
func (m *Manager) Clear(ctx context.Context, userID string) (*Update, error) {
	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = m.store.InTx(ctx, func(tx store.Tx) error {
		if err := EnsureWallet(ctx, tx, userID, m.currency, m.now()); err != nil {
			return err
		}
		return tx.ClearWallet(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("wallet cleared", "user_id", userID)
	m.committed(userID, decimal.Zero, nil)
	return &Update{Balance: decimal.Zero}, nil
}

// CreateTopUpOrder opens a payment-gateway order for amount.
func (m *Manager) CreateTopUpOrder(ctx context.Context, userID string, amount decimal.Decimal) (*payment.Order, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	minor, err := payment.ToMinor(amount, m.currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	short := userID
	if len(short) > 8 {
		short = short[:8]
	}
	receipt := fmt.Sprintf("wallet_%s_%d", short, m.now().Unix())

	o, err := m.payments.CreateOrder(ctx, minor, m.currency, receipt)
	if err != nil {
		return nil, err
	}
	slog.Info("top-up order created", "user_id", userID, "order_id", o.ID, "amount", amount.String())
	return o, nil
}

// VerifyPayment checks a checkout callback and credits the captured
// amount. A payment that was already credited returns the current balance
// without a new entry.
func (m *Manager) VerifyPayment(ctx context.Context, userID, orderID, paymentID, signature string) (*Update, error) {
	if orderID == "" || paymentID == "" || signature == "" {
		return nil, fmt.Errorf("%w: order id, payment id and signature are required", model.ErrInvalidRequest)
	}
	if !m.payments.IsAvailable() {
		return nil, fmt.Errorf("%w: not configured", model.ErrPaymentUnavailable)
	}
	if !m.payments.VerifySignature(orderID, paymentID, signature) {
		return nil, fmt.Errorf("%w: invalid signature", model.ErrPaymentRejected)
	}

	p, err := m.payments.FetchPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.OrderID != "" && p.OrderID != orderID {
		return nil, fmt.Errorf("%w: payment %s belongs to another order", model.ErrPaymentRejected, paymentID)
	}
	if p.Status != payment.StatusCaptured {
		return nil, fmt.Errorf("%w: payment %s is %s", model.ErrPaymentRejected, paymentID, p.Status)
	}
	currency := p.Currency
	if currency == "" {
		currency = m.currency
	}
	amount := payment.FromMinor(p.Amount, currency)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment %s has no amount", model.ErrPaymentRejected, paymentID)
	}

	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e := m.entry(userID, model.Credit, amount, paymentID,
		fmt.Sprintf("Wallet top-up of %s", payment.Display(amount, currency)))
	var balance decimal.Decimal
	credited := false
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		if err := EnsureWallet(ctx, tx, userID, m.currency, e.Timestamp); err != nil {
			return err
		}
		seen, err := tx.HasLedgerReference(ctx, userID, paymentID, model.Credit)
		if err != nil {
			return err
		}
		if seen {
			w, err := tx.GetWallet(ctx, userID)
			if err != nil {
				return err
			}
			balance = w.Balance
			return nil
		}
		balance, err = tx.CreditWallet(ctx, e)
		credited = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if !credited {
		slog.Info("payment already credited", "user_id", userID, "payment_id", paymentID)
		return &Update{Balance: balance}, nil
	}
	slog.Info("payment credited", "user_id", userID, "payment_id", paymentID, "amount", amount.String())
	m.committed(userID, balance, e)
	return &Update{Balance: balance, Entry: e}, nil
}

func (m *Manager) committed(userID string, balance decimal.Decimal, e *model.LedgerEntry) {
	if e != nil {
		metrics.WalletMutations.WithLabelValues(string(e.Type)).Inc()
	}
	if m.notifier != nil {
		m.notifier.WalletUpdated(userID, balance, e)
	}
}
