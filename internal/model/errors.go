package model

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("%w: ...") and match
// with errors.Is.
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrLimitExceeded        = errors.New("exposure limit exceeded")
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrOrderNotCancelable   = errors.New("order not cancelable")
	ErrOrderRejected        = errors.New("order rejected by broker")
	ErrBrokerUnavailable    = errors.New("broker unavailable")
	ErrPaymentUnavailable   = errors.New("payment gateway unavailable")
	ErrPaymentRejected      = errors.New("payment rejected")
	ErrPayoutFailed         = errors.New("payout failed")
	ErrPersistence          = errors.New("persistence failure")
)
