package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradedesk/trading-engine/internal/watchlist"
)

// ListWatchlist handles GET /api/v1/watchlist
func (h *Handler) ListWatchlist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.watchlist.List(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"watchlist": entries})
}

// AddWatchlist handles POST /api/v1/watchlist
func (h *Handler) AddWatchlist(w http.ResponseWriter, r *http.Request) {
	var req watchlist.EntryRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := h.watchlist.Add(r.Context(), userID(r), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// UpdateWatchlist handles PUT /api/v1/watchlist/{id}
func (h *Handler) UpdateWatchlist(w http.ResponseWriter, r *http.Request) {
	var req watchlist.EntryRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := h.watchlist.Update(r.Context(), userID(r), chi.URLParam(r, "id"), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// RemoveWatchlist handles DELETE /api/v1/watchlist/{id}
func (h *Handler) RemoveWatchlist(w http.ResponseWriter, r *http.Request) {
	if err := h.watchlist.Remove(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
