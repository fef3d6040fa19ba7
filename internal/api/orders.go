package api

import (
	"net/http"

	"github.com/tradedesk/trading-engine/internal/settlement"
)

// ListOrders handles GET /api/v1/orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.engine.ListOrders(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// PlaceOrder handles POST /api/v1/orders/place
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req settlement.PlaceRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID(r)

	order, err := h.engine.PlaceOrder(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": order})
}

// CancelRequest is the body of POST /orders/cancel.
type CancelRequest struct {
	OrderID string `json:"order_id"`
}

// CancelOrder handles POST /api/v1/orders/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	if req.OrderID == "" {
		writeError(w, "order_id is required", http.StatusBadRequest)
		return
	}
	order, err := h.engine.CancelOrder(r.Context(), userID(r), req.OrderID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

// ClearOrders handles POST /api/v1/orders/clear
func (h *Handler) ClearOrders(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.ClearOrderHistory(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true, "deleted": n})
}
