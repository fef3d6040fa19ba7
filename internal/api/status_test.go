package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/tradedesk/trading-engine/internal/model"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.ErrInvalidRequest, http.StatusBadRequest},
		{model.ErrUnauthorized, http.StatusUnauthorized},
		{model.ErrPaymentRejected, http.StatusPaymentRequired},
		{model.ErrWalletNotFound, http.StatusNotFound},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrOrderNotCancelable, http.StatusConflict},
		{model.ErrConflict, http.StatusConflict},
		{model.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{model.ErrInsufficientHoldings, http.StatusUnprocessableEntity},
		{model.ErrLimitExceeded, http.StatusUnprocessableEntity},
		{model.ErrOrderRejected, http.StatusUnprocessableEntity},
		{model.ErrPayoutFailed, http.StatusBadGateway},
		{model.ErrBrokerUnavailable, http.StatusServiceUnavailable},
		{model.ErrPaymentUnavailable, http.StatusServiceUnavailable},
		{model.ErrPersistence, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		wrapped := fmt.Errorf("%w: detail", c.err)
		if got := statusFor(wrapped); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
