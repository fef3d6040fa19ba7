package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"github.com/tradedesk/trading-engine/internal/model"
)

// DefaultKiteURL is the Kite Connect v3 REST root.
const DefaultKiteURL = "https://api.kite.trade"

// kiteTagLimit is the longest order tag Kite accepts.
const kiteTagLimit = 20

// KiteClient talks to Zerodha Kite Connect through the official SDK.
type KiteClient struct {
	kc          *kiteconnect.Client
	apiKey      string
	accessToken string
}

// NewKiteClient creates a client. An empty baseURL selects DefaultKiteURL.
func NewKiteClient(baseURL, apiKey, accessToken string) *KiteClient {
	if baseURL == "" {
		baseURL = DefaultKiteURL
	}
	kc := kiteconnect.New(apiKey)
	kc.SetAccessToken(accessToken)
	kc.SetBaseURI(strings.TrimRight(baseURL, "/"))
	kc.SetHTTPClient(&http.Client{Timeout: 30 * time.Second})
	return &KiteClient{kc: kc, apiKey: apiKey, accessToken: accessToken}
}

// IsAvailable reports whether both the API key and an access token are set.
func (c *KiteClient) IsAvailable() bool {
	return c.apiKey != "" && c.accessToken != ""
}

// withContext runs a blocking SDK call and gives up when ctx ends. The SDK
// takes no context, so an abandoned call finishes on its HTTP timeout.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *KiteClient) GetQuote(ctx context.Context, exchange, symbol string) (*Quote, error) {
	key := exchange + ":" + symbol
	quotes, err := withContext(ctx, func() (kiteconnect.Quote, error) {
		return c.kc.GetQuote(key)
	})
	if err != nil {
		return nil, err
	}
	kq, ok := quotes[key]
	if !ok {
		return nil, fmt.Errorf("kite: no quote for %s", key)
	}

	ts := kq.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ltp := decimal.NewFromFloat(kq.LastPrice)
	ohlc := OHLC{
		Open:  decimal.NewFromFloat(kq.OHLC.Open),
		High:  decimal.NewFromFloat(kq.OHLC.High),
		Low:   decimal.NewFromFloat(kq.OHLC.Low),
		Close: decimal.NewFromFloat(kq.OHLC.Close),
	}
	change := decimal.NewFromFloat(kq.NetChange)
	if change.IsZero() && ohlc.Close.IsPositive() {
		change = ltp.Sub(ohlc.Close)
	}
	return &Quote{
		Exchange:  exchange,
		Symbol:    symbol,
		LTP:       ltp,
		OHLC:      ohlc,
		Volume:    int64(kq.Volume),
		Change:    change,
		Timestamp: ts,
	}, nil
}

// kiteOrderType maps our order types onto Kite's.
func kiteOrderType(t model.OrderType) string {
	switch t {
	case model.OrderLimit:
		return kiteconnect.OrderTypeLimit
	case model.OrderStop:
		return kiteconnect.OrderTypeSLM
	case model.OrderStopLimit:
		return kiteconnect.OrderTypeSL
	default:
		return kiteconnect.OrderTypeMarket
	}
}

func (c *KiteClient) PlaceOrder(ctx context.Context, p OrderParams) (*Placement, error) {
	validity := p.Validity
	if validity == "" {
		validity = model.ValidityDay
	}
	params := kiteconnect.OrderParams{
		Exchange:        p.Exchange,
		Tradingsymbol:   p.Symbol,
		TransactionType: string(p.Side),
		OrderType:       kiteOrderType(p.OrderType),
		Quantity:        int(p.Quantity),
		Product:         kiteconnect.ProductCNC,
		Validity:        string(validity),
		Tag:             p.Tag,
	}
	if p.Price != nil {
		params.Price = p.Price.InexactFloat64()
	}
	if p.TriggerPrice != nil {
		params.TriggerPrice = p.TriggerPrice.InexactFloat64()
	}
	if len(params.Tag) > kiteTagLimit {
		params.Tag = params.Tag[:kiteTagLimit]
	}

	resp, err := withContext(ctx, func() (kiteconnect.OrderResponse, error) {
		return c.kc.PlaceOrder(kiteconnect.VarietyRegular, params)
	})
	if err != nil {
		if isKiteRejection(err) {
			return nil, fmt.Errorf("%w: %v", model.ErrOrderRejected, err)
		}
		return nil, err
	}
	return &Placement{ProviderOrderID: resp.OrderID}, nil
}

// isKiteRejection reports whether the venue declined the request on its
// merits rather than failing to process it.
func isKiteRejection(err error) bool {
	var kerr kiteconnect.Error
	if !errors.As(err, &kerr) {
		return false
	}
	switch kerr.ErrorType {
	case kiteconnect.InputError, kiteconnect.OrderError, "MarginException":
		return true
	}
	return false
}

func (c *KiteClient) CancelOrder(ctx context.Context, providerOrderID string) error {
	_, err := withContext(ctx, func() (kiteconnect.OrderResponse, error) {
		return c.kc.CancelOrder(kiteconnect.VarietyRegular, providerOrderID, nil)
	})
	if err != nil && isKiteRejection(err) {
		return fmt.Errorf("%w: %v", model.ErrOrderNotCancelable, err)
	}
	return err
}

func (c *KiteClient) OrderStatus(ctx context.Context, providerOrderID string) (*OrderState, error) {
	history, err := withContext(ctx, func() ([]kiteconnect.Order, error) {
		return c.kc.GetOrderHistory(providerOrderID)
	})
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("kite: empty history for order %s", providerOrderID)
	}
	last := history[len(history)-1]
	return &OrderState{
		ProviderOrderID: providerOrderID,
		Status:          last.Status,
		FilledQuantity:  int64(last.FilledQuantity),
		AveragePrice:    decimal.NewFromFloat(last.AveragePrice),
		Message:         last.StatusMessage,
	}, nil
}

func (c *KiteClient) GetProfile(ctx context.Context) (*Profile, error) {
	p, err := withContext(ctx, c.kc.GetUserProfile)
	if err != nil {
		return nil, err
	}
	return &Profile{UserID: p.UserID, UserName: p.UserName, Email: p.Email, Broker: p.Broker}, nil
}

func (c *KiteClient) HistoricalCandles(ctx context.Context, token int64, interval string, from, to time.Time) ([]Candle, error) {
	rows, err := withContext(ctx, func() ([]kiteconnect.HistoricalData, error) {
		return c.kc.GetHistoricalData(int(token), interval, from, to, false, false)
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		candles = append(candles, Candle{
			Time:   row.Date.Time,
			Open:   decimal.NewFromFloat(row.Open),
			High:   decimal.NewFromFloat(row.High),
			Low:    decimal.NewFromFloat(row.Low),
			Close:  decimal.NewFromFloat(row.Close),
			Volume: int64(row.Volume),
		})
	}
	return candles, nil
}
