package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradedesk/trading-engine/internal/market"
)

// Quote handles GET /api/v1/market/quote/{exchange}/{symbol}
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	q, err := h.market.Quote(r.Context(), chi.URLParam(r, "exchange"), chi.URLParam(r, "symbol"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// parseTime accepts RFC 3339 timestamps and YYYY-MM-DD dates.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}

// Candles handles GET /api/v1/market/candles/{exchange}/{symbol}
// Query: interval, from, to, indicators (comma separated sma,ema,rsi).
func (h *Handler) Candles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, "from must be RFC 3339 or YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, "to must be RFC 3339 or YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	var indicators []string
	for _, name := range strings.Split(q.Get("indicators"), ",") {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			indicators = append(indicators, name)
		}
	}

	series, err := h.market.Candles(r.Context(), market.CandleRequest{
		Exchange:   chi.URLParam(r, "exchange"),
		Symbol:     chi.URLParam(r, "symbol"),
		Interval:   q.Get("interval"),
		From:       from,
		To:         to,
		Indicators: indicators,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// Profile handles GET /api/v1/market/profile
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	p, err := h.market.Profile(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
