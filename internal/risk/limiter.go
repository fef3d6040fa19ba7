// Package risk implements exposure limits that account for correlation
// between listings of the same company on different exchanges.
//
// RELIANCE on NSE and RELIANCE on BSE are the same issuer: a user buying
// both carries one concentrated exposure. The limiter caps the cost
// exposure per listing and the aggregate across all listings of a symbol.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/instrument"
	"github.com/tradedesk/trading-engine/internal/model"
)

var (
	// ErrInstrumentLimitExceeded is returned when a buy would push the cost
	// exposure of a single listing beyond MaxPerInstrument.
	ErrInstrumentLimitExceeded = fmt.Errorf("%w: per-instrument limit", model.ErrLimitExceeded)

	// ErrIssuerLimitExceeded is returned when a buy would push the aggregate
	// exposure across every listing of the symbol beyond MaxPerIssuer.
	ErrIssuerLimitExceeded = fmt.Errorf("%w: per-issuer limit", model.ErrLimitExceeded)
)

// ExposureLimiter enforces cost-exposure limits. A zero limit disables
// that check.
type ExposureLimiter struct {
	// MaxPerInstrument caps the cost exposure in one (exchange, symbol).
	MaxPerInstrument decimal.Decimal

	// MaxPerIssuer caps the summed exposure across all exchanges for a
	// symbol.
	MaxPerIssuer decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given caps.
func NewExposureLimiter(maxPerInstrument, maxPerIssuer decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerInstrument: maxPerInstrument,
		MaxPerIssuer:     maxPerIssuer,
	}
}

// CheckLimit validates an exposure increase of delta on target, given the
// user's current exposures keyed by instrument. A nil limiter allows
// everything.
func (l *ExposureLimiter) CheckLimit(
	target instrument.Key,
	delta decimal.Decimal,
	existing map[instrument.Key]decimal.Decimal,
) error {
	if l == nil {
		return nil
	}

	next := existing[target].Add(delta)
	if l.MaxPerInstrument.IsPositive() && next.GreaterThan(l.MaxPerInstrument) {
		return ErrInstrumentLimitExceeded
	}

	if !l.MaxPerIssuer.IsPositive() {
		return nil
	}
	total := next
	for k, exposure := range existing {
		if k == target {
			continue // counted via next
		}
		if k.Symbol == target.Symbol {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxPerIssuer) {
		return ErrIssuerLimitExceeded
	}
	return nil
}

// IsLimitError reports whether err came from this package.
func IsLimitError(err error) bool {
	return errors.Is(err, ErrInstrumentLimitExceeded) || errors.Is(err, ErrIssuerLimitExceeded)
}
