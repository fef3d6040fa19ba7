package broker_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradedesk/trading-engine/internal/broker"
	"github.com/tradedesk/trading-engine/internal/broker/brokertest"
	"github.com/tradedesk/trading-engine/internal/model"
)

func TestGuard_DisabledIsUnavailable(t *testing.T) {
	g := broker.NewGuard(nil, time.Second)

	assert.False(t, g.IsAvailable())
	_, err := g.GetQuote(context.Background(), "NSE", "TCS")
	assert.ErrorIs(t, err, model.ErrBrokerUnavailable)
	_, err = g.PlaceOrder(context.Background(), broker.OrderParams{})
	assert.ErrorIs(t, err, model.ErrBrokerUnavailable)
}

func TestGuard_TimeoutBecomesUnavailable(t *testing.T) {
	fake := brokertest.New(map[string]float64{"NSE:TCS": 3900})
	fake.Delay = 200 * time.Millisecond
	g := broker.NewGuard(fake, 20*time.Millisecond)

	start := time.Now()
	_, err := g.GetQuote(context.Background(), "NSE", "TCS")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrBrokerUnavailable)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestGuard_TransportErrorBecomesUnavailable(t *testing.T) {
	fake := brokertest.New(nil)
	fake.PlaceErr = errors.New("connection reset")
	g := broker.NewGuard(fake, time.Second)

	_, err := g.PlaceOrder(context.Background(), broker.OrderParams{Symbol: "TCS"})
	assert.ErrorIs(t, err, model.ErrBrokerUnavailable)
	assert.NotErrorIs(t, err, model.ErrOrderRejected)
}

func TestGuard_RejectionPassesThrough(t *testing.T) {
	fake := brokertest.New(nil)
	fake.PlaceErr = fmt.Errorf("%w: margin", model.ErrOrderRejected)
	g := broker.NewGuard(fake, time.Second)

	_, err := g.PlaceOrder(context.Background(), broker.OrderParams{Symbol: "TCS"})
	assert.ErrorIs(t, err, model.ErrOrderRejected)
	assert.NotErrorIs(t, err, model.ErrBrokerUnavailable)
}

func kiteServer(t *testing.T, handler http.HandlerFunc) *broker.KiteClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return broker.NewKiteClient(srv.URL, "key", "token")
}

func TestKite_GetQuote(t *testing.T) {
	c := kiteServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))
		assert.Equal(t, "token key:token", r.Header.Get("Authorization"))
		assert.Equal(t, "NSE:INFY", r.URL.Query().Get("i"))
		fmt.Fprint(w, `{"status":"success","data":{"NSE:INFY":{
			"last_price":1512.35,"volume":12345,"timestamp":"2024-06-07 15:29:59",
			"ohlc":{"open":1500,"high":1520,"low":1495.5,"close":1498}}}}`)
	})

	q, err := c.GetQuote(context.Background(), "NSE", "INFY")
	require.NoError(t, err)
	assert.True(t, q.LTP.Equal(decimal.RequireFromString("1512.35")))
	assert.True(t, q.Change.Equal(decimal.RequireFromString("14.35")))
	assert.Equal(t, int64(12345), q.Volume)
	assert.Equal(t, 2024, q.Timestamp.Year())
}

func TestKite_PlaceOrder(t *testing.T) {
	c := kiteServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders/regular", r.URL.Path)
		assert.Equal(t, "TCS", r.PostForm.Get("tradingsymbol"))
		assert.Equal(t, "BUY", r.PostForm.Get("transaction_type"))
		assert.Equal(t, "SL", r.PostForm.Get("order_type"))
		assert.Equal(t, "3890", r.PostForm.Get("price"))
		assert.Equal(t, "3885", r.PostForm.Get("trigger_price"))
		fmt.Fprint(w, `{"status":"success","data":{"order_id":"240607000123"}}`)
	})

	price, trigger := decimal.NewFromInt(3890), decimal.NewFromInt(3885)
	pl, err := c.PlaceOrder(context.Background(), broker.OrderParams{
		Exchange: "NSE", Symbol: "TCS", Side: model.SideBuy, Quantity: 2,
		OrderType: model.OrderStopLimit, Price: &price, TriggerPrice: &trigger,
	})
	require.NoError(t, err)
	assert.Equal(t, "240607000123", pl.ProviderOrderID)
}

func TestKite_PlaceOrderRejected(t *testing.T) {
	c := kiteServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"status":"error","message":"Insufficient funds","error_type":"MarginException"}`)
	})

	_, err := c.PlaceOrder(context.Background(), broker.OrderParams{Exchange: "NSE", Symbol: "TCS", Side: model.SideBuy, Quantity: 1})
	assert.ErrorIs(t, err, model.ErrOrderRejected)
}

func TestKite_ServerErrorIsNotRejection(t *testing.T) {
	c := kiteServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"error","message":"gateway down","error_type":"NetworkException"}`)
	})
	g := broker.NewGuard(c, time.Second)

	_, err := g.PlaceOrder(context.Background(), broker.OrderParams{Exchange: "NSE", Symbol: "TCS", Side: model.SideBuy, Quantity: 1})
	assert.ErrorIs(t, err, model.ErrBrokerUnavailable)
}

func TestKite_OrderStatusUsesLatestState(t *testing.T) {
	c := kiteServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/42", r.URL.Path)
		fmt.Fprint(w, `{"status":"success","data":[
			{"order_id":"42","status":"OPEN"},
			{"order_id":"42","status":"COMPLETE","filled_quantity":5,"average_price":101.5}]}`)
	})

	st, err := c.OrderStatus(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, broker.StateComplete, st.Status)
	assert.Equal(t, int64(5), st.FilledQuantity)
}

func TestKite_HistoricalCandles(t *testing.T) {
	c := kiteServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments/historical/738561/day", r.URL.Path)
		fmt.Fprint(w, `{"status":"success","data":{"candles":[
			["2024-06-03T00:00:00+0530",2900,2950,2880,2940,1200000],
			["2024-06-04T00:00:00+0530",2940,2960,2800,2810,2400000]]}}`)
	})

	candles, err := c.HistoricalCandles(context.Background(), 738561, "day",
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[1].Close.Equal(decimal.NewFromInt(2810)))
	assert.Equal(t, int64(2400000), candles[1].Volume)
}

func TestKite_CancelOrder(t *testing.T) {
	c := kiteServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/orders/regular/42", r.URL.Path)
		fmt.Fprint(w, `{"status":"success","data":{"order_id":"42"}}`)
	})
	require.NoError(t, c.CancelOrder(context.Background(), "42"))
}

func TestKite_CancelCompletedOrderIsNotCancelable(t *testing.T) {
	c := kiteServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"status":"error","message":"Order cannot be cancelled as it is being processed.","error_type":"OrderException"}`)
	})
	err := c.CancelOrder(context.Background(), "42")
	assert.ErrorIs(t, err, model.ErrOrderNotCancelable)
}

func TestKite_GetProfile(t *testing.T) {
	c := kiteServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/profile", r.URL.Path)
		fmt.Fprint(w, `{"status":"success","data":{"user_id":"AB1234","user_name":"Asha R","email":"asha@example.com","broker":"ZERODHA"}}`)
	})
	p, err := c.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AB1234", p.UserID)
	assert.Equal(t, "ZERODHA", p.Broker)
}

func TestKite_GuardTimesOutSlowVenue(t *testing.T) {
	release := make(chan struct{})
	c := kiteServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, `{"status":"success","data":{}}`)
	})
	defer close(release)
	g := broker.NewGuard(c, 20*time.Millisecond)

	_, err := g.GetQuote(context.Background(), "NSE", "TCS")
	assert.ErrorIs(t, err, model.ErrBrokerUnavailable)
}

func TestKite_UnconfiguredIsUnavailable(t *testing.T) {
	c := broker.NewKiteClient("", "key", "")
	assert.False(t, c.IsAvailable())
}

func TestPaper_FillsAfterDelay(t *testing.T) {
	p := broker.NewPaper(time.Hour, 1)
	ctx := context.Background()

	pl, err := p.PlaceOrder(ctx, broker.OrderParams{Exchange: "NSE", Symbol: "TCS", Side: model.SideBuy, Quantity: 1})
	require.NoError(t, err)

	st, err := p.OrderStatus(ctx, pl.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StateOpen, st.Status)

	require.NoError(t, p.CancelOrder(ctx, pl.ProviderOrderID))
	st, _ = p.OrderStatus(ctx, pl.ProviderOrderID)
	assert.Equal(t, broker.StateCancelled, st.Status)
}

func TestPaper_CompletedOrderNotCancelable(t *testing.T) {
	p := broker.NewPaper(0, 1)
	ctx := context.Background()

	pl, err := p.PlaceOrder(ctx, broker.OrderParams{Exchange: "NSE", Symbol: "TCS", Side: model.SideBuy, Quantity: 1})
	require.NoError(t, err)

	st, _ := p.OrderStatus(ctx, pl.ProviderOrderID)
	assert.Equal(t, broker.StateComplete, st.Status)
	assert.ErrorIs(t, p.CancelOrder(ctx, pl.ProviderOrderID), model.ErrOrderNotCancelable)
}

func TestPaper_RejectsOversizedOrders(t *testing.T) {
	p := broker.NewPaper(0, 1)
	_, err := p.PlaceOrder(context.Background(), broker.OrderParams{Quantity: broker.MaxPaperQuantity + 1})
	assert.ErrorIs(t, err, model.ErrOrderRejected)
}

func TestPaper_QuotesStayPositive(t *testing.T) {
	p := broker.NewPaper(0, 7)
	p.SetPrice("NSE", "PENNY", decimal.RequireFromString("0.10"))
	for i := 0; i < 200; i++ {
		q, err := p.GetQuote(context.Background(), "NSE", "PENNY")
		require.NoError(t, err)
		require.True(t, q.LTP.IsPositive(), "ltp went to %s", q.LTP)
	}
}
