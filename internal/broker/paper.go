package broker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/model"
)

// MaxPaperQuantity is the per-order freeze quantity of the simulator.
const MaxPaperQuantity = 100000

var defaultPaperPrices = map[string]float64{
	"NSE:RELIANCE": 2950,
	"BSE:RELIANCE": 2950,
	"NSE:TCS":      3900,
	"NSE:INFY":     1500,
	"NSE:HDFCBANK": 1650,
	"NSE:SBIN":     780,
}

var tick = decimal.RequireFromString("0.05")

type paperOrder struct {
	params   OrderParams
	price    decimal.Decimal
	placedAt time.Time
	status   string
}

// Paper is an in-process venue for paper trading. Quotes follow a bounded
// random walk; accepted orders fill at their reference price once
// fillDelay has elapsed and can be cancelled until then.
type Paper struct {
	mu        sync.Mutex
	rng       *rand.Rand
	prices    map[string]decimal.Decimal
	orders    map[string]*paperOrder
	seq       int
	fillDelay time.Duration
	now       func() time.Time
}

// NewPaper creates a simulator whose orders fill after fillDelay.
func NewPaper(fillDelay time.Duration, seed uint64) *Paper {
	prices := make(map[string]decimal.Decimal, len(defaultPaperPrices))
	for k, v := range defaultPaperPrices {
		prices[k] = decimal.NewFromFloat(v)
	}
	return &Paper{
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		prices:    prices,
		orders:    make(map[string]*paperOrder),
		fillDelay: fillDelay,
		now:       time.Now,
	}
}

func (p *Paper) IsAvailable() bool { return true }

// SetPrice pins the next quote for an instrument.
func (p *Paper) SetPrice(exchange, symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[exchange+":"+symbol] = price
}

// step moves the instrument's price by at most 0.5% and returns it.
func (p *Paper) step(key string) (last, next decimal.Decimal) {
	last, ok := p.prices[key]
	if !ok {
		last = decimal.NewFromInt(int64(100 + p.rng.IntN(900)))
	}
	drift := decimal.NewFromFloat((p.rng.Float64() - 0.5) / 100)
	next = roundTick(last.Add(last.Mul(drift)))
	if !next.IsPositive() {
		next = tick
	}
	p.prices[key] = next
	return last, next
}

func roundTick(v decimal.Decimal) decimal.Decimal {
	return v.Div(tick).Round(0).Mul(tick)
}

func (p *Paper) GetQuote(ctx context.Context, exchange, symbol string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	last, next := p.step(exchange + ":" + symbol)
	high, low := decimal.Max(last, next), decimal.Min(last, next)
	return &Quote{
		Exchange:  exchange,
		Symbol:    symbol,
		LTP:       next,
		OHLC:      OHLC{Open: last, High: high, Low: low, Close: last},
		Volume:    int64(1000 + p.rng.IntN(100000)),
		Change:    next.Sub(last),
		Timestamp: p.now().UTC(),
	}, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, params OrderParams) (*Placement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params.Quantity > MaxPaperQuantity {
		return nil, fmt.Errorf("%w: quantity %d exceeds freeze limit %d",
			model.ErrOrderRejected, params.Quantity, MaxPaperQuantity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price := p.prices[params.Exchange+":"+params.Symbol]
	if params.Price != nil {
		price = *params.Price
	}
	p.seq++
	id := fmt.Sprintf("PAPER%08d", p.seq)
	p.orders[id] = &paperOrder{params: params, price: price, placedAt: p.now(), status: StateOpen}
	return &Placement{ProviderOrderID: id}, nil
}

// resolve advances an open order to COMPLETE once its delay has passed.
func (p *Paper) resolve(o *paperOrder) {
	if o.status == StateOpen && p.now().Sub(o.placedAt) >= p.fillDelay {
		o.status = StateComplete
	}
}

func (p *Paper) CancelOrder(ctx context.Context, providerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[providerOrderID]
	if !ok {
		return fmt.Errorf("%w: unknown order %s", model.ErrOrderNotCancelable, providerOrderID)
	}
	p.resolve(o)
	if o.status != StateOpen {
		return fmt.Errorf("%w: order %s is %s", model.ErrOrderNotCancelable, providerOrderID, o.status)
	}
	o.status = StateCancelled
	return nil
}

func (p *Paper) OrderStatus(ctx context.Context, providerOrderID string) (*OrderState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[providerOrderID]
	if !ok {
		return nil, fmt.Errorf("paper: unknown order %s", providerOrderID)
	}
	p.resolve(o)
	st := &OrderState{ProviderOrderID: providerOrderID, Status: o.status}
	if o.status == StateComplete {
		st.FilledQuantity = o.params.Quantity
		st.AveragePrice = o.price
	}
	return st, nil
}

func (p *Paper) GetProfile(context.Context) (*Profile, error) {
	return &Profile{UserID: "PAPER", UserName: "Paper Trading", Broker: "PAPER"}, nil
}

// intervalStep converts a Kite-style interval name to a bar duration.
func intervalStep(interval string) (time.Duration, error) {
	if interval == "day" {
		return 24 * time.Hour, nil
	}
	n := strings.TrimSuffix(interval, "minute")
	if n == interval {
		return 0, fmt.Errorf("paper: unsupported interval %q", interval)
	}
	if n == "" {
		return time.Minute, nil
	}
	mins, err := strconv.Atoi(n)
	if err != nil || mins <= 0 {
		return 0, fmt.Errorf("paper: unsupported interval %q", interval)
	}
	return time.Duration(mins) * time.Minute, nil
}

// HistoricalCandles synthesizes a random walk ending near the current
// simulated price of the instrument that owns token.
func (p *Paper) HistoricalCandles(ctx context.Context, token int64, interval string, from, to time.Time) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step, err := intervalStep(interval)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price := decimal.NewFromInt(100 + token%900)
	var candles []Candle
	for t := from; !t.After(to) && len(candles) < 2000; t = t.Add(step) {
		open := price
		closePrice := roundTick(open.Add(open.Mul(decimal.NewFromFloat((p.rng.Float64() - 0.5) / 50))))
		if !closePrice.IsPositive() {
			closePrice = tick
		}
		spread := open.Mul(decimal.NewFromFloat(p.rng.Float64() / 100))
		candles = append(candles, Candle{
			Time:   t,
			Open:   open,
			High:   roundTick(decimal.Max(open, closePrice).Add(spread)),
			Low:    roundTick(decimal.Max(decimal.Min(open, closePrice).Sub(spread), tick)),
			Close:  closePrice,
			Volume: int64(10000 + p.rng.IntN(500000)),
		})
		price = closePrice
	}
	return candles, nil
}
