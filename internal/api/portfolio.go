package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tradedesk/trading-engine/internal/model"
)

// Portfolio handles GET /api/v1/portfolio
func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	sum, err := h.portfolio.Summary(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Transactions handles GET /api/v1/portfolio/transactions
// Query: page, limit, type (BUY|SELL), symbol.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	side := model.Side(strings.ToUpper(q.Get("type")))
	if side != "" && !side.Valid() {
		writeError(w, "type must be BUY or SELL", http.StatusBadRequest)
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))

	res, err := h.portfolio.Transactions(r.Context(), userID(r), page, limit, side, symbol)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Analytics handles GET /api/v1/portfolio/analytics?period=7d|30d|90d|1y
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.portfolio.Analytics(r.Context(), userID(r), r.URL.Query().Get("period"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UpdatePrices handles POST /api/v1/portfolio/update-prices
func (h *Handler) UpdatePrices(w http.ResponseWriter, r *http.Request) {
	res, err := h.portfolio.RefreshPrices(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
