package portfolio

import (
	"context"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/tradedesk/trading-engine/internal/instrument"
	"github.com/tradedesk/trading-engine/internal/model"
	"github.com/tradedesk/trading-engine/internal/store"
)

// DefaultPeriod is used for unknown period names.
const DefaultPeriod = "30d"

const topPerformers = 10

var periodDays = map[string]int{
	"7d":  7,
	"30d": 30,
	"90d": 90,
	"1y":  365,
}

// Analytics computes realized trading results over period (7d, 30d, 90d
// or 1y) from completed transactions. It never writes.
func (s *Service) Analytics(ctx context.Context, userID, period string) (*model.Analytics, error) {
	days, ok := periodDays[period]
	if !ok {
		period, days = DefaultPeriod, periodDays[DefaultPeriod]
	}
	to := s.now()
	from := to.AddDate(0, 0, -days)

	txns, _, err := s.store.ListTransactions(ctx, userID, store.TransactionFilter{
		Status: model.TxCompleted,
		Since:  from,
	})
	if err != nil {
		return nil, err
	}
	a := Summarize(txns)
	a.UserID = userID
	a.Period = period
	a.From = from
	a.To = to
	return a, nil
}

// Summarize builds analytics from completed transactions in any order.
func Summarize(txns []model.Transaction) *model.Analytics {
	sorted := append([]model.Transaction(nil), txns...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	a := &model.Analytics{
		TotalTrades:   len(sorted),
		RealizedPnL:   decimal.Zero,
		DailyPnL:      []model.DailyPnL{},
		TopPerformers: []model.SymbolPerformance{},
	}

	bySymbol := make(map[instrument.Key]*model.SymbolPerformance)
	var order []instrument.Key
	sells, wins := 0, 0

	for _, t := range sorted {
		date := t.CreatedAt.UTC().Format("2006-01-02")
		if n := len(a.DailyPnL); n == 0 || a.DailyPnL[n-1].Date != date {
			a.DailyPnL = append(a.DailyPnL, model.DailyPnL{
				Date: date, RealizedPnL: decimal.Zero, Cumulative: decimal.Zero, NetFlow: decimal.Zero,
			})
		}
		day := &a.DailyPnL[len(a.DailyPnL)-1]
		day.Trades++

		k := instrument.Key{Exchange: t.Exchange, Symbol: t.Symbol}
		perf, ok := bySymbol[k]
		if !ok {
			perf = &model.SymbolPerformance{Symbol: t.Symbol, Exchange: t.Exchange, RealizedPnL: decimal.Zero}
			bySymbol[k] = perf
			order = append(order, k)
		}
		perf.Trades++
		perf.Volume += t.Quantity

		if t.Side == model.SideSell {
			sells++
			if t.RealizedPnL.IsPositive() {
				wins++
			}
			day.RealizedPnL = day.RealizedPnL.Add(t.RealizedPnL)
			day.NetFlow = day.NetFlow.Add(t.NetAmount)
			perf.RealizedPnL = perf.RealizedPnL.Add(t.RealizedPnL)
			a.RealizedPnL = a.RealizedPnL.Add(t.RealizedPnL)
		} else {
			day.NetFlow = day.NetFlow.Sub(t.NetAmount)
		}
	}

	running := decimal.Zero
	daily := make([]float64, len(a.DailyPnL))
	for i := range a.DailyPnL {
		running = running.Add(a.DailyPnL[i].RealizedPnL)
		a.DailyPnL[i].Cumulative = running
		daily[i] = a.DailyPnL[i].RealizedPnL.InexactFloat64()
	}

	switch len(daily) {
	case 0:
	case 1:
		a.MeanDailyPnL = round2(daily[0])
	default:
		mean, std := stat.MeanStdDev(daily, nil)
		a.MeanDailyPnL = round2(mean)
		a.DailyPnLStdev = round2(std)
	}
	if sells > 0 {
		a.WinRate = round2(float64(wins) / float64(sells) * 100)
	}

	for _, k := range order {
		a.TopPerformers = append(a.TopPerformers, *bySymbol[k])
	}
	sort.SliceStable(a.TopPerformers, func(i, j int) bool {
		return a.TopPerformers[i].RealizedPnL.GreaterThan(a.TopPerformers[j].RealizedPnL)
	})
	if len(a.TopPerformers) > topPerformers {
		a.TopPerformers = a.TopPerformers[:topPerformers]
	}
	return a
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
