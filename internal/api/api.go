// Package api exposes the trading engine over HTTP. Handlers decode the
// request, resolve the authenticated user and delegate to the domain
// services; domain errors are mapped to status codes in one place.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradedesk/trading-engine/internal/auth"
	"github.com/tradedesk/trading-engine/internal/market"
	"github.com/tradedesk/trading-engine/internal/model"
	"github.com/tradedesk/trading-engine/internal/portfolio"
	"github.com/tradedesk/trading-engine/internal/settlement"
	"github.com/tradedesk/trading-engine/internal/wallet"
	"github.com/tradedesk/trading-engine/internal/watchlist"
)

// Handler holds the services behind the HTTP surface.
type Handler struct {
	auth      *auth.Service
	engine    *settlement.Engine
	wallet    *wallet.Manager
	portfolio *portfolio.Service
	watchlist *watchlist.Service
	market    *market.Service
}

// Services bundles the dependencies of a Handler.
type Services struct {
	Auth      *auth.Service
	Engine    *settlement.Engine
	Wallet    *wallet.Manager
	Portfolio *portfolio.Service
	Watchlist *watchlist.Service
	Market    *market.Service
}

// New creates a Handler.
func New(s Services) *Handler {
	return &Handler{
		auth:      s.Auth,
		engine:    s.Engine,
		wallet:    s.Wallet,
		portfolio: s.Portfolio,
		watchlist: s.Watchlist,
		market:    s.Market,
	}
}

// Mount registers every route on r, which is expected to be the /api/v1
// subrouter.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/auth/signup", h.Signup)
	r.Post("/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Get("/auth/me", h.Me)

		r.Get("/orders", h.ListOrders)
		r.Post("/orders/place", h.PlaceOrder)
		r.Post("/orders/cancel", h.CancelOrder)
		r.Post("/orders/clear", h.ClearOrders)

		r.Get("/wallet/balance", h.Balance)
		r.Post("/wallet/create-order", h.CreateTopUpOrder)
		r.Post("/wallet/verify-payment", h.VerifyPayment)
		r.Post("/wallet/withdraw", h.Withdraw)
		r.Post("/wallet/clear", h.ClearWallet)

		r.Get("/portfolio", h.Portfolio)
		r.Get("/portfolio/transactions", h.Transactions)
		r.Get("/portfolio/analytics", h.Analytics)
		r.Post("/portfolio/update-prices", h.UpdatePrices)

		r.Get("/watchlist", h.ListWatchlist)
		r.Post("/watchlist", h.AddWatchlist)
		r.Put("/watchlist/{id}", h.UpdateWatchlist)
		r.Delete("/watchlist/{id}", h.RemoveWatchlist)

		r.Get("/market/quote/{exchange}/{symbol}", h.Quote)
		r.Get("/market/candles/{exchange}/{symbol}", h.Candles)
		r.Get("/market/profile", h.Profile)
	})
}

// userID returns the authenticated user. Routes behind the auth middleware
// always carry one.
func userID(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrPaymentRejected):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrWalletNotFound), errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrOrderNotCancelable), errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds), errors.Is(err, model.ErrInsufficientHoldings),
		errors.Is(err, model.ErrLimitExceeded), errors.Is(err, model.ErrOrderRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrPayoutFailed):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrBrokerUnavailable), errors.Is(err, model.ErrPaymentUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Unclassified errors are logged
// and reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "user_id", userID(r), "err", err)
		if errors.Is(err, model.ErrPersistence) {
			writeError(w, "operation could not be recorded, please retry", status)
			return
		}
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}
