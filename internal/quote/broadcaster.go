// Package quote periodically fetches quotes for every instrument that has
// at least one subscriber and publishes them to the instrument's topic.
package quote

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tradedesk/trading-engine/internal/broker"
	"github.com/tradedesk/trading-engine/internal/instrument"
	"github.com/tradedesk/trading-engine/internal/metrics"
	"github.com/tradedesk/trading-engine/internal/realtime"
)

// DefaultInterval is the broadcast period.
const DefaultInterval = 1500 * time.Millisecond

const (
	fetchTimeout = 3 * time.Second
	fetchLimit   = 8
)

// Quoter fetches the latest quote for an instrument.
type Quoter interface {
	GetQuote(ctx context.Context, exchange, symbol string) (*broker.Quote, error)
}

// Tick is the payload of a quote event.
type Tick struct {
	Exchange string        `json:"exchange"`
	Symbol   string        `json:"symbol"`
	Quote    *broker.Quote `json:"quote"`
	TS       int64         `json:"ts"` // unix millis
}

// Broadcaster drives the quote loop.
type Broadcaster struct {
	reg      *realtime.Registry
	quotes   Quoter
	interval time.Duration
}

// NewBroadcaster creates a broadcaster. A non-positive interval selects
// DefaultInterval.
func NewBroadcaster(reg *realtime.Registry, quotes Quoter, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Broadcaster{reg: reg, quotes: quotes, interval: interval}
}

// Run broadcasts every interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	slog.Info("quote broadcaster started", "interval", b.interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("quote broadcaster stopped")
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick fetches and publishes one round of quotes and returns the number of
// instruments published. Failed fetches are skipped until the next tick.
func (b *Broadcaster) Tick(ctx context.Context) int {
	topics := b.reg.Topics(instrument.QuoteTopicPrefix)
	if len(topics) == 0 {
		return 0
	}

	var published atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchLimit)

	for _, topic := range topics {
		key, err := instrument.ParseTopic(topic)
		if err != nil {
			continue
		}
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, fetchTimeout)
			defer cancel()

			q, err := b.quotes.GetQuote(fctx, key.Exchange, key.Symbol)
			if err != nil {
				metrics.QuoteFetchFailures.Inc()
				slog.Debug("quote fetch failed", "instrument", key.String(), "err", err)
				return nil
			}
			b.reg.Publish(topic, realtime.Message{
				Event: realtime.EventQuote,
				Data: Tick{
					Exchange: key.Exchange,
					Symbol:   key.Symbol,
					Quote:    q,
					TS:       time.Now().UnixMilli(),
				},
			})
			metrics.QuoteBroadcasts.Inc()
			published.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(published.Load())
}
