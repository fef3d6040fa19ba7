package api

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/payment"
)

// AmountRequest carries a major-unit amount.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// VerifyPaymentRequest is the checkout callback payload.
type VerifyPaymentRequest struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

// WithdrawRequest is the body of POST /wallet/withdraw. Account is a VPA
// for UPI payouts and a bank account number otherwise; when empty the
// user's stored bank details are used.
type WithdrawRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Account string          `json:"account,omitempty"`
	IFSC    string          `json:"ifsc,omitempty"`
	Mode    string          `json:"mode,omitempty"`
	Name    string          `json:"name,omitempty"`
}

// Balance handles GET /api/v1/wallet/balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	wal, err := h.wallet.Balance(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

// CreateTopUpOrder handles POST /api/v1/wallet/create-order
func (h *Handler) CreateTopUpOrder(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.wallet.CreateTopUpOrder(r.Context(), userID(r), req.Amount)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": order})
}

// VerifyPayment handles POST /api/v1/wallet/verify-payment
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentRequest
	if !decode(w, r, &req) {
		return
	}
	upd, err := h.wallet.VerifyPayment(r.Context(), userID(r), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":      upd.Balance,
		"ledger_entry": upd.Entry,
		"credited":     upd.Entry != nil,
	})
}

// Withdraw handles POST /api/v1/wallet/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	mode := strings.ToUpper(strings.TrimSpace(req.Mode))
	dest := payment.Destination{Name: strings.TrimSpace(req.Name)}
	account := strings.TrimSpace(req.Account)
	if mode == "" || mode == payment.ModeUPI {
		dest.VPA = account
	} else {
		dest.AccountNumber = account
		dest.IFSC = strings.ToUpper(strings.TrimSpace(req.IFSC))
	}

	upd, err := h.wallet.Withdraw(r.Context(), userID(r), req.Amount, dest, mode)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, upd)
}

// ClearWallet handles POST /api/v1/wallet/clear
func (h *Handler) ClearWallet(w http.ResponseWriter, r *http.Request) {
	upd, err := h.wallet.Clear(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, upd)
}
