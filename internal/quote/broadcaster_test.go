package quote_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradedesk/trading-engine/internal/broker/brokertest"
	"github.com/tradedesk/trading-engine/internal/quote"
	"github.com/tradedesk/trading-engine/internal/realtime"
)

type session struct {
	id   string
	mu   sync.Mutex
	msgs []realtime.Message
}

func (s *session) ID() string { return s.id }

func (s *session) Send(m realtime.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return true
}

func (s *session) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestTick_PublishesOnlySubscribedKeys(t *testing.T) {
	reg := realtime.NewRegistry()
	fake := brokertest.New(map[string]float64{"NSE:TCS": 3900, "NSE:INFY": 1500})
	s := &session{id: "s1"}
	reg.Join(s, "quote:NSE:TCS")

	b := quote.NewBroadcaster(reg, fake, time.Second)
	assert.Equal(t, 1, b.Tick(context.Background()))

	require.Equal(t, 1, s.count())
	tick, ok := s.msgs[0].Data.(quote.Tick)
	require.True(t, ok)
	assert.Equal(t, "TCS", tick.Symbol)
	assert.Equal(t, "3900", tick.Quote.LTP.String())
	assert.NotZero(t, tick.TS)
}

func TestTick_NoSubscribersNoFetch(t *testing.T) {
	fake := brokertest.New(nil)
	fake.Down = true
	b := quote.NewBroadcaster(realtime.NewRegistry(), fake, time.Second)
	assert.Equal(t, 0, b.Tick(context.Background()))
}

func TestTick_SkipsFailedKeys(t *testing.T) {
	reg := realtime.NewRegistry()
	fake := brokertest.New(map[string]float64{"NSE:TCS": 3900, "NSE:INFY": 1500})
	fake.QuoteErr["NSE:INFY"] = errors.New("rate limited")
	tcs, infy := &session{id: "a"}, &session{id: "b"}
	reg.Join(tcs, "quote:NSE:TCS")
	reg.Join(infy, "quote:NSE:INFY")

	b := quote.NewBroadcaster(reg, fake, time.Second)
	assert.Equal(t, 1, b.Tick(context.Background()))
	assert.Equal(t, 1, tcs.count())
	assert.Equal(t, 0, infy.count())
}

func TestRun_StopsOnCancel(t *testing.T) {
	reg := realtime.NewRegistry()
	s := &session{id: "a"}
	reg.Join(s, "quote:NSE:TCS")
	b := quote.NewBroadcaster(reg, brokertest.New(map[string]float64{"NSE:TCS": 1}), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcaster did not stop")
	}
}
