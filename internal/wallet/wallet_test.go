package wallet_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradedesk/trading-engine/internal/model"
	"github.com/tradedesk/trading-engine/internal/payment"
	"github.com/tradedesk/trading-engine/internal/payment/paymenttest"
	"github.com/tradedesk/trading-engine/internal/store"
	"github.com/tradedesk/trading-engine/internal/userlock"
	"github.com/tradedesk/trading-engine/internal/wallet"
)

type recorder struct {
	mu      sync.Mutex
	updates []decimal.Decimal
}

func (r *recorder) WalletUpdated(_ string, balance decimal.Decimal, _ *model.LedgerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, balance)
}

func newManager(t *testing.T) (*wallet.Manager, *store.MemoryStore, *paymenttest.Fake, *recorder) {
	t.Helper()
	st := store.NewMemoryStore()
	fake := paymenttest.New()
	rec := &recorder{}
	return wallet.NewManager(st, fake, userlock.New(), rec, "INR"), st, fake, rec
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertLedgerMatches(t *testing.T, w *model.Wallet) {
	t.Helper()
	sum := decimal.Zero
	for _, e := range w.Ledger {
		sum = sum.Add(e.Signed())
	}
	assert.True(t, sum.Equal(w.Balance), "ledger sum %s != balance %s", sum, w.Balance)
}

func TestBalance_CreatesWallet(t *testing.T) {
	m, _, _, _ := newManager(t)
	w, err := m.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	assert.Equal(t, "INR", w.Currency)
	assert.Empty(t, w.Ledger)
}

func TestCreditDebit(t *testing.T) {
	m, _, _, rec := newManager(t)
	ctx := context.Background()

	upd, err := m.Credit(ctx, "u1", dec("1000"), "seed", "seed")
	require.NoError(t, err)
	assert.True(t, upd.Balance.Equal(dec("1000")))

	upd, err = m.Debit(ctx, "u1", dec("250.50"), "x", "fee")
	require.NoError(t, err)
	assert.True(t, upd.Balance.Equal(dec("749.50")))
	assert.Equal(t, model.Debit, upd.Entry.Type)

	_, err = m.Debit(ctx, "u1", dec("800"), "y", "too much")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	w, err := m.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, w.Ledger, 2)
	assertLedgerMatches(t, w)
	assert.Len(t, rec.updates, 2)
}

func TestCredit_RejectsBadAmounts(t *testing.T) {
	m, _, _, _ := newManager(t)
	for _, a := range []string{"0", "-5", "1.001"} {
		_, err := m.Credit(context.Background(), "u1", dec(a), "", "")
		assert.ErrorIs(t, err, model.ErrInvalidRequest, "amount %s", a)
	}
}

func TestClear_Idempotent(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()
	_, err := m.Credit(ctx, "u1", dec("500"), "seed", "seed")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		upd, err := m.Clear(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, upd.Balance.IsZero())
	}
	w, err := m.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	assert.Empty(t, w.Ledger)

	_, err = m.Clear(ctx, "never-seen")
	assert.NoError(t, err)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()
	_, err := m.Credit(ctx, "u1", dec("100"), "seed", "seed")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Debit(ctx, "u1", dec("30"), "", "buy"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else if !errors.Is(err, model.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	w, _ := m.Balance(ctx, "u1")
	assert.True(t, w.Balance.Equal(dec("10")))
	assertLedgerMatches(t, w)
}

func TestTopUpAndVerify(t *testing.T) {
	m, _, fake, _ := newManager(t)
	ctx := context.Background()

	o, err := m.CreateTopUpOrder(ctx, "user-1234567890", dec("500"))
	require.NoError(t, err)
	assert.Equal(t, int64(50000), o.Amount)
	assert.Contains(t, o.Receipt, "wallet_user-123")

	sig := fake.AddPayment(o.ID, "pay_1", payment.StatusCaptured, 50000)
	upd, err := m.VerifyPayment(ctx, "user-1234567890", o.ID, "pay_1", sig)
	require.NoError(t, err)
	assert.True(t, upd.Balance.Equal(dec("500")))
	require.NotNil(t, upd.Entry)
	assert.Equal(t, "pay_1", upd.Entry.Reference)

	// Replaying the callback must not double-credit.
	upd, err = m.VerifyPayment(ctx, "user-1234567890", o.ID, "pay_1", sig)
	require.NoError(t, err)
	assert.True(t, upd.Balance.Equal(dec("500")))
	assert.Nil(t, upd.Entry)

	w, _ := m.Balance(ctx, "user-1234567890")
	assert.Len(t, w.Ledger, 1)
}

func TestVerifyPayment_Rejections(t *testing.T) {
	m, _, fake, _ := newManager(t)
	ctx := context.Background()

	_, err := m.VerifyPayment(ctx, "u1", "order_1", "pay_1", "deadbeef")
	assert.ErrorIs(t, err, model.ErrPaymentRejected)

	sig := fake.AddPayment("order_2", "pay_2", "authorized", 10000)
	_, err = m.VerifyPayment(ctx, "u1", "order_2", "pay_2", sig)
	assert.ErrorIs(t, err, model.ErrPaymentRejected)

	_, err = m.VerifyPayment(ctx, "u1", "", "pay_2", sig)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	w, _ := m.Balance(ctx, "u1")
	assert.True(t, w.Balance.IsZero())
}

func TestWithdraw(t *testing.T) {
	m, _, fake, _ := newManager(t)
	ctx := context.Background()
	_, err := m.Credit(ctx, "u1", dec("1000"), "seed", "seed")
	require.NoError(t, err)

	upd, err := m.Withdraw(ctx, "u1", dec("400"), payment.Destination{Name: "A", VPA: "a@upi"}, "")
	require.NoError(t, err)
	assert.True(t, upd.Balance.Equal(dec("600")))
	assert.Equal(t, 1, fake.PayoutCount())
	assert.Equal(t, int64(40000), fake.Payouts[0].Amount)
	assert.Equal(t, payment.ModeUPI, fake.Payouts[0].Mode)

	_, err = m.Withdraw(ctx, "u1", dec("5000"), payment.Destination{VPA: "a@upi"}, "")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.Equal(t, 1, fake.PayoutCount())
}

func TestWithdraw_PayoutFailureLeavesBalance(t *testing.T) {
	st := store.NewMemoryStore()
	fake := paymenttest.New()
	fake.PayoutErr = errors.New("beneficiary bank down")
	m := wallet.NewManager(st, payment.NewGuard(fake, 0), userlock.New(), nil, "INR")
	ctx := context.Background()
	_, err := m.Credit(ctx, "u1", dec("1000"), "seed", "seed")
	require.NoError(t, err)

	_, err = m.Withdraw(ctx, "u1", dec("100"), payment.Destination{VPA: "a@upi"}, payment.ModeUPI)
	assert.ErrorIs(t, err, model.ErrPayoutFailed)

	w, _ := m.Balance(ctx, "u1")
	assert.True(t, w.Balance.Equal(dec("1000")))
	assert.Len(t, w.Ledger, 1)
}

// stalledPayouts never answers a payout until the caller gives up.
type stalledPayouts struct {
	*paymenttest.Fake
}

func (s stalledPayouts) CreatePayout(ctx context.Context, _ payment.PayoutRequest) (*payment.Payout, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithdraw_PayoutTimeoutIsPayoutFailure(t *testing.T) {
	st := store.NewMemoryStore()
	gw := payment.NewGuard(stalledPayouts{paymenttest.New()}, 20*time.Millisecond)
	m := wallet.NewManager(st, gw, userlock.New(), nil, "INR")
	ctx := context.Background()
	_, err := m.Credit(ctx, "u1", dec("1000"), "seed", "seed")
	require.NoError(t, err)

	_, err = m.Withdraw(ctx, "u1", dec("100"), payment.Destination{VPA: "a@upi"}, payment.ModeUPI)
	require.ErrorIs(t, err, model.ErrPayoutFailed)
	assert.Contains(t, err.Error(), "timed out")

	w, err := m.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec("1000")))
	assert.Len(t, w.Ledger, 1)
}

func TestWithdraw_DisabledGatewayIsPayoutFailure(t *testing.T) {
	for name, gw := range map[string]payment.Gateway{
		"disabled": payment.NewGuard(payment.Disabled{}, 0),
		"down":     payment.NewGuard(&paymenttest.Fake{Down: true}, 0),
	} {
		t.Run(name, func(t *testing.T) {
			st := store.NewMemoryStore()
			m := wallet.NewManager(st, gw, userlock.New(), nil, "INR")
			ctx := context.Background()
			_, err := m.Credit(ctx, "u1", dec("1000"), "seed", "seed")
			require.NoError(t, err)

			_, err = m.Withdraw(ctx, "u1", dec("100"), payment.Destination{VPA: "a@upi"}, payment.ModeUPI)
			require.ErrorIs(t, err, model.ErrPayoutFailed)
			assert.Contains(t, err.Error(), "not configured")

			w, err := m.Balance(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, w.Balance.Equal(dec("1000")))
		})
	}
}

func TestWithdraw_UsesBankDetails(t *testing.T) {
	m, st, fake, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &model.User{
		ID: "u1", Email: "a@example.com", FullName: "Asha",
		BankDetail: &model.BankDetail{AccountHolder: "Asha R", AccountNumber: "1234", IFSC: "HDFC0001"},
	}))
	_, err := m.Credit(ctx, "u1", dec("100"), "seed", "seed")
	require.NoError(t, err)

	_, err = m.Withdraw(ctx, "u1", dec("50"), payment.Destination{}, payment.ModeIMPS)
	require.NoError(t, err)
	require.Equal(t, 1, fake.PayoutCount())
	assert.Equal(t, "1234", fake.Payouts[0].Destination.AccountNumber)
	assert.Equal(t, "Asha R", fake.Payouts[0].Destination.Name)
}
