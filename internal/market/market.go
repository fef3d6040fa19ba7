// Package market serves quotes, historical candles with technical
// indicators, and the linked broker profile.
package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/tradedesk/trading-engine/internal/broker"
	"github.com/tradedesk/trading-engine/internal/instrument"
	"github.com/tradedesk/trading-engine/internal/model"
)

// Default lookback windows when a candle request has no start.
const (
	IntradayLookback = 5 * 24 * time.Hour
	DailyLookback    = 180 * 24 * time.Hour
)

// Indicator periods.
const (
	SMAPeriod = 20
	EMAPeriod = 20
	RSIPeriod = 14
)

var intervals = map[string]bool{
	"minute": true, "3minute": true, "5minute": true, "10minute": true,
	"15minute": true, "30minute": true, "60minute": true, "day": true,
}

// Service answers market data requests through the broker gateway.
type Service struct {
	gw  broker.Gateway
	now func() time.Time
}

// NewService creates a market data service.
func NewService(gw broker.Gateway) *Service {
	return &Service{gw: gw, now: func() time.Time { return time.Now().UTC() }}
}

// Quote returns the latest quote for exchange:symbol.
func (s *Service) Quote(ctx context.Context, exchange, symbol string) (*broker.Quote, error) {
	key, err := instrument.Normalize(exchange, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	return s.gw.GetQuote(ctx, key.Exchange, key.Symbol)
}

// Profile returns the account linked at the broker.
func (s *Service) Profile(ctx context.Context) (*broker.Profile, error) {
	return s.gw.GetProfile(ctx)
}

// CandleRequest selects a candle series.
type CandleRequest struct {
	Exchange   string
	Symbol     string
	Interval   string    // empty = day
	From       time.Time // zero = default lookback before To
	To         time.Time // zero = now
	Indicators []string  // any of sma, ema, rsi
}

// Indicators holds one value per candle; nil where the lookback is not yet
// satisfied.
type Indicators struct {
	SMA []*float64 `json:"sma,omitempty"`
	EMA []*float64 `json:"ema,omitempty"`
	RSI []*float64 `json:"rsi,omitempty"`
}

// CandleSeries is the response of Candles.
type CandleSeries struct {
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Interval   string          `json:"interval"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Candles    []broker.Candle `json:"candles"`
	Indicators *Indicators     `json:"indicators,omitempty"`
}

// Candles returns historical bars for the requested window.
func (s *Service) Candles(ctx context.Context, req CandleRequest) (*CandleSeries, error) {
	key, err := instrument.Normalize(req.Exchange, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	interval := strings.ToLower(strings.TrimSpace(req.Interval))
	if interval == "" {
		interval = "day"
	}
	if !intervals[interval] {
		return nil, fmt.Errorf("%w: unsupported interval %q", model.ErrInvalidRequest, req.Interval)
	}
	for _, name := range req.Indicators {
		switch name {
		case "sma", "ema", "rsi":
		default:
			return nil, fmt.Errorf("%w: unknown indicator %q", model.ErrInvalidRequest, name)
		}
	}

	to := req.To
	if to.IsZero() {
		to = s.now()
	}
	from := req.From
	if from.IsZero() {
		if interval == "day" {
			from = to.Add(-DailyLookback)
		} else {
			from = to.Add(-IntradayLookback)
		}
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: from is after to", model.ErrInvalidRequest)
	}

	token, ok := instrument.Token(key)
	if !ok {
		return nil, fmt.Errorf("%w: no historical data for %s", model.ErrNotFound, key)
	}
	candles, err := s.gw.HistoricalCandles(ctx, token, interval, from, to)
	if err != nil {
		return nil, err
	}
	if candles == nil {
		candles = []broker.Candle{}
	}

	series := &CandleSeries{
		Exchange: key.Exchange,
		Symbol:   key.Symbol,
		Interval: interval,
		From:     from,
		To:       to,
		Candles:  candles,
	}
	if len(req.Indicators) > 0 {
		series.Indicators = Compute(candles, req.Indicators)
	}
	return series, nil
}

// Compute evaluates the named indicators over the candle closes.
func Compute(candles []broker.Candle, names []string) *Indicators {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close.InexactFloat64()
	}

	out := &Indicators{}
	for _, name := range names {
		switch name {
		case "sma":
			if len(closes) >= SMAPeriod {
				out.SMA = trim(talib.Sma(closes, SMAPeriod), SMAPeriod-1)
			} else {
				out.SMA = make([]*float64, len(closes))
			}
		case "ema":
			if len(closes) >= EMAPeriod {
				out.EMA = trim(talib.Ema(closes, EMAPeriod), EMAPeriod-1)
			} else {
				out.EMA = make([]*float64, len(closes))
			}
		case "rsi":
			if len(closes) > RSIPeriod {
				out.RSI = trim(talib.Rsi(closes, RSIPeriod), RSIPeriod)
			} else {
				out.RSI = make([]*float64, len(closes))
			}
		}
	}
	return out
}

// trim converts talib output to pointers, blanking the first lookback
// values and any NaN.
func trim(values []float64, lookback int) []*float64 {
	out := make([]*float64, len(values))
	for i := lookback; i < len(values); i++ {
		v := values[i]
		if v != v {
			continue
		}
		out[i] = &v
	}
	return out
}
