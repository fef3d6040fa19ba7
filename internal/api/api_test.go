package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/api"
	"github.com/tradedesk/trading-engine/internal/auth"
	"github.com/tradedesk/trading-engine/internal/broker"
	"github.com/tradedesk/trading-engine/internal/broker/brokertest"
	"github.com/tradedesk/trading-engine/internal/market"
	"github.com/tradedesk/trading-engine/internal/payment"
	"github.com/tradedesk/trading-engine/internal/payment/paymenttest"
	"github.com/tradedesk/trading-engine/internal/portfolio"
	"github.com/tradedesk/trading-engine/internal/realtime"
	"github.com/tradedesk/trading-engine/internal/settlement"
	"github.com/tradedesk/trading-engine/internal/store"
	"github.com/tradedesk/trading-engine/internal/userlock"
	"github.com/tradedesk/trading-engine/internal/wallet"
	"github.com/tradedesk/trading-engine/internal/watchlist"
)

type testEnv struct {
	router   chi.Router
	broker   *brokertest.Fake
	payments *paymenttest.Fake
	wallet   *wallet.Manager
	token    string
	userID   string
}

// newTestEnv wires every service over an in-memory store and signs up one
// user whose token is used by do.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	fake := brokertest.New(map[string]float64{"NSE:TCS": 100, "NSE:INFY": 1500})
	gw := broker.NewGuard(fake, time.Second)
	pay := paymenttest.New()
	locks := userlock.New()
	reg := realtime.NewRegistry()
	notifier := realtime.NewNotifier(reg)

	authSvc := auth.NewService(ms, "test-secret", time.Hour, "INR")
	wal := wallet.NewManager(ms, payment.NewGuard(pay, time.Second), locks, notifier, "INR")
	h := api.New(api.Services{
		Auth:      authSvc,
		Engine:    settlement.NewEngine(ms, gw, locks, nil, notifier, "INR"),
		Wallet:    wal,
		Portfolio: portfolio.NewService(ms, gw),
		Watchlist: watchlist.NewService(ms, gw),
		Market:    market.NewService(gw),
	})

	r := chi.NewRouter()
	r.Route("/api/v1", h.Mount)

	sess, err := authSvc.Signup(context.Background(), auth.SignupRequest{
		Email: "trader@example.com", Password: "password123", FullName: "Test Trader",
	})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	return &testEnv{router: r, broker: fake, payments: pay, wallet: wal, token: sess.Token, userID: sess.User.ID}
}

func (e *testEnv) fund(t *testing.T, amount string) {
	t.Helper()
	if _, err := e.wallet.Credit(context.Background(), e.userID, decimal.RequireFromString(amount), "seed", "test funds"); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

// --- Auth ---

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	env.token = ""
	for _, path := range []string{"/api/v1/orders", "/api/v1/wallet/balance", "/api/v1/portfolio"} {
		w := env.do(t, "GET", path, nil)
		expect(t, w, http.StatusUnauthorized)
	}
}

func TestSignupLoginMe(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/auth/signup", map[string]string{
		"email": "trader@example.com", "password": "password123", "full_name": "Dup",
	})
	expect(t, w, http.StatusConflict)

	w = env.do(t, "POST", "/api/v1/auth/login", map[string]string{
		"email": "trader@example.com", "password": "wrong-password",
	})
	expect(t, w, http.StatusUnauthorized)

	w = env.do(t, "POST", "/api/v1/auth/login", map[string]string{
		"email": "trader@example.com", "password": "password123",
	})
	expect(t, w, http.StatusOK)
	var sess auth.Session
	decodeBody(t, w, &sess)
	if sess.Token == "" {
		t.Fatal("expected a token")
	}

	env.token = sess.Token
	w = env.do(t, "GET", "/api/v1/auth/me", nil)
	expect(t, w, http.StatusOK)
	var me struct {
		User struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
	}
	decodeBody(t, w, &me)
	if me.User.ID != env.userID {
		t.Errorf("expected user %s, got %s", env.userID, me.User.ID)
	}
}

// --- Orders ---

type orderResponse struct {
	Order struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"order"`
}

func placeBody(side string, qty int) map[string]any {
	return map[string]any{
		"symbol": "TCS", "exchange": "NSE", "side": side, "quantity": qty, "order_type": "MARKET",
	}
}

func TestPlaceAndCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "1000")

	w := env.do(t, "POST", "/api/v1/orders/place", placeBody("BUY", 2))
	expect(t, w, http.StatusCreated)
	var placed orderResponse
	decodeBody(t, w, &placed)
	if placed.Order.Status != "PLACED" {
		t.Fatalf("expected PLACED, got %s", placed.Order.Status)
	}

	w = env.do(t, "GET", "/api/v1/wallet/balance", nil)
	expect(t, w, http.StatusOK)
	var bal struct {
		Balance decimal.Decimal `json:"balance"`
		Ledger  []any           `json:"ledger"`
	}
	decodeBody(t, w, &bal)
	if !bal.Balance.Equal(decimal.RequireFromString("799.80")) {
		t.Errorf("expected balance 799.80 after 2@100 + fee, got %s", bal.Balance)
	}
	if len(bal.Ledger) != 2 {
		t.Errorf("expected 2 ledger entries, got %d", len(bal.Ledger))
	}

	w = env.do(t, "GET", "/api/v1/orders", nil)
	expect(t, w, http.StatusOK)

	w = env.do(t, "POST", "/api/v1/orders/cancel", map[string]string{"order_id": placed.Order.ID})
	expect(t, w, http.StatusOK)
	var cancelled orderResponse
	decodeBody(t, w, &cancelled)
	if cancelled.Order.Status != "CANCELLED" {
		t.Errorf("expected CANCELLED, got %s", cancelled.Order.Status)
	}

	// Cancelling twice is a precondition failure.
	w = env.do(t, "POST", "/api/v1/orders/cancel", map[string]string{"order_id": placed.Order.ID})
	expect(t, w, http.StatusConflict)

	w = env.do(t, "POST", "/api/v1/orders/clear", nil)
	expect(t, w, http.StatusOK)
	var cleared struct {
		Deleted int `json:"deleted"`
	}
	decodeBody(t, w, &cleared)
	if cleared.Deleted != 1 {
		t.Errorf("expected 1 deleted order, got %d", cleared.Deleted)
	}
}

func TestPlaceOrder_ErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "50")

	w := env.do(t, "POST", "/api/v1/orders/place", placeBody("BUY", 1000))
	expect(t, w, http.StatusUnprocessableEntity)

	w = env.do(t, "POST", "/api/v1/orders/place", placeBody("SELL", 1))
	expect(t, w, http.StatusUnprocessableEntity)

	w = env.do(t, "POST", "/api/v1/orders/place", placeBody("HOLD", 1))
	expect(t, w, http.StatusBadRequest)

	w = env.do(t, "POST", "/api/v1/orders/cancel", map[string]string{})
	expect(t, w, http.StatusBadRequest)

	env.broker.Lock()
	env.broker.Down = true
	env.broker.Unlock()
	w = env.do(t, "POST", "/api/v1/orders/place", placeBody("BUY", 1))
	expect(t, w, http.StatusServiceUnavailable)

	req := httptest.NewRequest("POST", "/api/v1/orders/place", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+env.token)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	expect(t, rec, http.StatusBadRequest)
}

// --- Wallet ---

func TestTopUpAndVerifyPayment(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/wallet/create-order", map[string]any{"amount": 500})
	expect(t, w, http.StatusCreated)
	var created struct {
		Order payment.Order `json:"order"`
	}
	decodeBody(t, w, &created)
	if created.Order.Amount != 50000 {
		t.Fatalf("expected 50000 paise, got %d", created.Order.Amount)
	}

	sig := env.payments.AddPayment(created.Order.ID, "pay_1", payment.StatusCaptured, 50000)
	body := map[string]string{
		"razorpay_order_id":   created.Order.ID,
		"razorpay_payment_id": "pay_1",
		"razorpay_signature":  sig,
	}

	var res struct {
		Balance  decimal.Decimal `json:"balance"`
		Credited bool            `json:"credited"`
	}
	w = env.do(t, "POST", "/api/v1/wallet/verify-payment", body)
	expect(t, w, http.StatusOK)
	decodeBody(t, w, &res)
	if !res.Credited || !res.Balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected credit to 500, got %+v", res)
	}

	w = env.do(t, "POST", "/api/v1/wallet/verify-payment", body)
	expect(t, w, http.StatusOK)
	decodeBody(t, w, &res)
	if res.Credited || !res.Balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("replayed verification must not credit again, got %+v", res)
	}

	body["razorpay_signature"] = "forged"
	w = env.do(t, "POST", "/api/v1/wallet/verify-payment", body)
	expect(t, w, http.StatusPaymentRequired)
}

func TestWithdrawAndClear(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "300")

	w := env.do(t, "POST", "/api/v1/wallet/withdraw", map[string]any{"amount": 1000, "account": "trader@upi"})
	expect(t, w, http.StatusUnprocessableEntity)

	w = env.do(t, "POST", "/api/v1/wallet/withdraw", map[string]any{"amount": 100, "account": "trader@upi"})
	expect(t, w, http.StatusOK)
	var upd wallet.Update
	decodeBody(t, w, &upd)
	if !upd.Balance.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected 200 after withdrawal, got %s", upd.Balance)
	}
	if env.payments.PayoutCount() != 1 {
		t.Errorf("expected one payout, got %d", env.payments.PayoutCount())
	}

	w = env.do(t, "POST", "/api/v1/wallet/withdraw", map[string]any{"amount": 10, "account": "123456", "mode": "NEFT"})
	expect(t, w, http.StatusBadRequest)

	w = env.do(t, "POST", "/api/v1/wallet/clear", nil)
	expect(t, w, http.StatusOK)
	w = env.do(t, "POST", "/api/v1/wallet/clear", nil)
	expect(t, w, http.StatusOK)
	decodeBody(t, w, &upd)
	if !upd.Balance.IsZero() {
		t.Errorf("expected zero balance, got %s", upd.Balance)
	}
}

func TestWithdraw_GatewayDownIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "300")
	env.payments.Lock()
	env.payments.Down = true
	env.payments.Unlock()

	w := env.do(t, "POST", "/api/v1/wallet/withdraw", map[string]any{"amount": 100, "account": "trader@upi"})
	expect(t, w, http.StatusBadGateway)

	bal, err := env.wallet.Balance(context.Background(), env.userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Balance.Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected balance 300 after failed payout, got %s", bal.Balance)
	}
}

// --- Portfolio ---

func TestPortfolioEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "5000")
	expect(t, env.do(t, "POST", "/api/v1/orders/place", placeBody("BUY", 10)), http.StatusCreated)

	env.broker.SetPrice("NSE:TCS", 110)
	w := env.do(t, "POST", "/api/v1/portfolio/update-prices", nil)
	expect(t, w, http.StatusOK)
	var refreshed portfolio.RefreshResult
	decodeBody(t, w, &refreshed)
	if len(refreshed.Updated) != 1 {
		t.Fatalf("expected 1 updated holding, got %+v", refreshed)
	}

	w = env.do(t, "GET", "/api/v1/portfolio", nil)
	expect(t, w, http.StatusOK)
	var sum struct {
		UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	}
	decodeBody(t, w, &sum)
	if !sum.UnrealizedPnL.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected unrealized 100, got %s", sum.UnrealizedPnL)
	}

	w = env.do(t, "GET", "/api/v1/portfolio/transactions?type=buy&limit=5", nil)
	expect(t, w, http.StatusOK)
	var page portfolio.TransactionPage
	decodeBody(t, w, &page)
	if page.Total != 1 || page.Limit != 5 {
		t.Errorf("unexpected page %+v", page)
	}

	w = env.do(t, "GET", "/api/v1/portfolio/transactions?type=short", nil)
	expect(t, w, http.StatusBadRequest)

	w = env.do(t, "GET", "/api/v1/portfolio/analytics?period=7d", nil)
	expect(t, w, http.StatusOK)
	var a struct {
		Period string `json:"period"`
	}
	decodeBody(t, w, &a)
	if a.Period != "7d" {
		t.Errorf("expected period 7d, got %s", a.Period)
	}
}

// --- Watchlist ---

func TestWatchlistCRUD(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/watchlist", map[string]any{"symbol": "infy", "exchange": "nse", "target_price": "1400"})
	expect(t, w, http.StatusCreated)
	var entry struct {
		ID string `json:"id"`
	}
	decodeBody(t, w, &entry)

	expect(t, env.do(t, "POST", "/api/v1/watchlist", map[string]any{"symbol": "INFY", "exchange": "NSE"}), http.StatusConflict)

	w = env.do(t, "GET", "/api/v1/watchlist", nil)
	expect(t, w, http.StatusOK)
	var list struct {
		Watchlist []struct {
			TargetHit bool `json:"target_hit"`
		} `json:"watchlist"`
	}
	decodeBody(t, w, &list)
	if len(list.Watchlist) != 1 || !list.Watchlist[0].TargetHit {
		t.Fatalf("expected one entry with target hit, got %+v", list)
	}

	expect(t, env.do(t, "PUT", "/api/v1/watchlist/"+entry.ID, map[string]any{"notes": "earnings"}), http.StatusOK)
	expect(t, env.do(t, "PUT", "/api/v1/watchlist/missing", map[string]any{}), http.StatusNotFound)
	expect(t, env.do(t, "DELETE", "/api/v1/watchlist/"+entry.ID, nil), http.StatusNoContent)
	expect(t, env.do(t, "DELETE", "/api/v1/watchlist/"+entry.ID, nil), http.StatusNotFound)
}

// --- Market ---

func TestMarketEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/market/quote/nse/tcs", nil)
	expect(t, w, http.StatusOK)
	var q broker.Quote
	decodeBody(t, w, &q)
	if !q.LTP.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected LTP 100, got %s", q.LTP)
	}

	expect(t, env.do(t, "GET", "/api/v1/market/quote/NYSE/IBM", nil), http.StatusBadRequest)

	w = env.do(t, "GET", "/api/v1/market/candles/NSE/TCS?from=2026-01-01&to=2026-01-31&indicators=sma,rsi", nil)
	expect(t, w, http.StatusOK)
	var series market.CandleSeries
	decodeBody(t, w, &series)
	if len(series.Candles) != 31 || series.Indicators == nil || len(series.Indicators.SMA) != 31 {
		t.Fatalf("unexpected series: %d candles", len(series.Candles))
	}

	expect(t, env.do(t, "GET", "/api/v1/market/candles/NSE/TCS?from=yesterday", nil), http.StatusBadRequest)
	expect(t, env.do(t, "GET", "/api/v1/market/profile", nil), http.StatusOK)
}
