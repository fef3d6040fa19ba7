// Package brokertest provides a programmable broker.Gateway for tests.
package brokertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/broker"
	"github.com/tradedesk/trading-engine/internal/model"
)

// Fake records calls and returns canned results. Zero value is usable;
// all exported fields may be changed between calls under Lock/Unlock.
type Fake struct {
	sync.Mutex

	Down      bool                       // IsAvailable returns false
	Prices    map[string]decimal.Decimal // "NSE:TCS" -> LTP
	QuoteErr  map[string]error           // per-key quote failure
	PlaceErr  error
	CancelErr error
	StatusErr error
	States    map[string]string // provider ID -> broker state
	Delay     time.Duration     // applied to every call, honours ctx

	Placed    []broker.OrderParams
	Cancelled []string
	seq       int
}

// New returns a Fake with the given prices.
func New(prices map[string]float64) *Fake {
	f := &Fake{
		Prices:   make(map[string]decimal.Decimal),
		QuoteErr: make(map[string]error),
		States:   make(map[string]string),
	}
	for k, v := range prices {
		f.Prices[k] = decimal.NewFromFloat(v)
	}
	return f
}

// SetPrice sets the LTP for exchange:symbol.
func (f *Fake) SetPrice(key string, price float64) {
	f.Lock()
	defer f.Unlock()
	if f.Prices == nil {
		f.Prices = make(map[string]decimal.Decimal)
	}
	f.Prices[key] = decimal.NewFromFloat(price)
}

// SetState sets the broker-side state of a placed order.
func (f *Fake) SetState(providerID, state string) {
	f.Lock()
	defer f.Unlock()
	if f.States == nil {
		f.States = make(map[string]string)
	}
	f.States[providerID] = state
}

// PlacedCount returns how many orders were accepted.
func (f *Fake) PlacedCount() int {
	f.Lock()
	defer f.Unlock()
	return len(f.Placed)
}

// CancelledIDs returns a copy of the cancelled provider IDs.
func (f *Fake) CancelledIDs() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string(nil), f.Cancelled...)
}

func (f *Fake) wait(ctx context.Context) error {
	f.Lock()
	d := f.Delay
	f.Unlock()
	if d == 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) IsAvailable() bool {
	f.Lock()
	defer f.Unlock()
	return !f.Down
}

func (f *Fake) GetQuote(ctx context.Context, exchange, symbol string) (*broker.Quote, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.Lock()
	defer f.Unlock()

	key := exchange + ":" + symbol
	if err := f.QuoteErr[key]; err != nil {
		return nil, err
	}
	p, ok := f.Prices[key]
	if !ok {
		return nil, fmt.Errorf("brokertest: no price for %s", key)
	}
	return &broker.Quote{Exchange: exchange, Symbol: symbol, LTP: p, Timestamp: time.Now().UTC()}, nil
}

func (f *Fake) PlaceOrder(ctx context.Context, p broker.OrderParams) (*broker.Placement, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.Lock()
	defer f.Unlock()

	if f.PlaceErr != nil {
		return nil, f.PlaceErr
	}
	f.seq++
	id := fmt.Sprintf("FAKE-%d", f.seq)
	f.Placed = append(f.Placed, p)
	if f.States == nil {
		f.States = make(map[string]string)
	}
	f.States[id] = broker.StateOpen
	return &broker.Placement{ProviderOrderID: id}, nil
}

func (f *Fake) CancelOrder(ctx context.Context, providerOrderID string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.Lock()
	defer f.Unlock()

	if f.CancelErr != nil {
		return f.CancelErr
	}
	if st := f.States[providerOrderID]; st == broker.StateComplete {
		return fmt.Errorf("%w: %s already complete", model.ErrOrderNotCancelable, providerOrderID)
	}
	f.Cancelled = append(f.Cancelled, providerOrderID)
	f.States[providerOrderID] = broker.StateCancelled
	return nil
}

func (f *Fake) OrderStatus(ctx context.Context, providerOrderID string) (*broker.OrderState, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.Lock()
	defer f.Unlock()

	if f.StatusErr != nil {
		return nil, f.StatusErr
	}
	st, ok := f.States[providerOrderID]
	if !ok {
		return nil, fmt.Errorf("brokertest: unknown order %s", providerOrderID)
	}
	return &broker.OrderState{ProviderOrderID: providerOrderID, Status: st}, nil
}

func (f *Fake) GetProfile(ctx context.Context) (*broker.Profile, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return &broker.Profile{UserID: "FAKE", UserName: "Fake Broker", Broker: "FAKE"}, nil
}

func (f *Fake) HistoricalCandles(ctx context.Context, token int64, interval string, from, to time.Time) ([]broker.Candle, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	var candles []broker.Candle
	price := decimal.NewFromInt(100)
	for t := from; !t.After(to); t = t.Add(24 * time.Hour) {
		candles = append(candles, broker.Candle{Time: t, Open: price, High: price, Low: price, Close: price})
		price = price.Add(decimal.NewFromInt(1))
	}
	return candles, nil
}
