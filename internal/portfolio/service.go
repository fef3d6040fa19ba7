// Package portfolio values user holdings against live quotes and derives
// summaries, paged history and realized-P&L analytics from settled
// transactions.
package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradedesk/trading-engine/internal/broker"
	"github.com/tradedesk/trading-engine/internal/instrument"
	"github.com/tradedesk/trading-engine/internal/model"
	"github.com/tradedesk/trading-engine/internal/store"
)

// Quoter fetches the latest quote for an instrument.
type Quoter interface {
	GetQuote(ctx context.Context, exchange, symbol string) (*broker.Quote, error)
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
	fetchLimit      = 4
)

// Service is the portfolio reconciliation service.
type Service struct {
	store  store.Store
	quotes Quoter
	now    func() time.Time
}

// NewService creates a portfolio service.
func NewService(st store.Store, quotes Quoter) *Service {
	return &Service{
		store:  st,
		quotes: quotes,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RefreshResult lists the instruments revalued and those skipped.
type RefreshResult struct {
	Updated  []string         `json:"updated"`
	Failed   []string         `json:"failed"`
	Holdings []model.Position `json:"holdings"`
}

// RefreshPrices revalues every position of userID at its latest quote.
// Instruments whose quote fails keep their previous valuation.
func (s *Service) RefreshPrices(ctx context.Context, userID string) (*RefreshResult, error) {
	positions, err := s.holdings(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := &RefreshResult{Updated: []string{}, Failed: []string{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchLimit)

	for _, p := range positions {
		key := instrument.Key{Exchange: p.Exchange, Symbol: p.Symbol}.String()
		g.Go(func() error {
			q, err := s.quotes.GetQuote(gctx, p.Exchange, p.Symbol)
			if err == nil {
				err = s.store.UpdatePositionPrice(gctx, userID, p.Symbol, p.Exchange, q.LTP, s.now())
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Updated = append(res.Updated, key)
			case errors.Is(err, model.ErrNotFound):
				// closed while we were fetching
			default:
				slog.Warn("price refresh failed", "user_id", userID, "instrument", key, "err", err)
				res.Failed = append(res.Failed, key)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Updated)
	sort.Strings(res.Failed)
	res.Holdings, err = s.holdings(ctx, userID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// holdings lists the positions with shares. Emptied positions kept for
// their realized P&L are left out.
func (s *Service) holdings(ctx context.Context, userID string) ([]model.Position, error) {
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	open := positions[:0]
	for _, p := range positions {
		if p.Quantity > 0 {
			open = append(open, p)
		}
	}
	return open, nil
}

// RefreshAll revalues the positions of every user.
func (s *Service) RefreshAll(ctx context.Context) error {
	ids, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	updated, failed := 0, 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.RefreshPrices(ctx, id)
		if err != nil {
			slog.Warn("portfolio refresh failed", "user_id", id, "err", err)
			continue
		}
		updated += len(res.Updated)
		failed += len(res.Failed)
	}
	slog.Info("portfolio prices refreshed", "users", len(ids), "updated", updated, "failed", failed)
	return nil
}

// Summary aggregates the user's holdings. Realized P&L covers every sale
// that has not been cancelled, including fully closed positions.
func (s *Service) Summary(ctx context.Context, userID string) (*model.PortfolioSummary, error) {
	positions, err := s.holdings(ctx, userID)
	if err != nil {
		return nil, err
	}
	sells, _, err := s.store.ListTransactions(ctx, userID, store.TransactionFilter{Side: model.SideSell})
	if err != nil {
		return nil, err
	}

	sum := &model.PortfolioSummary{
		UserID:           userID,
		Holdings:         positions,
		TotalInvested:    decimal.Zero,
		CurrentValue:     decimal.Zero,
		UnrealizedPnL:    decimal.Zero,
		RealizedPnL:      decimal.Zero,
		ReturnPercentage: decimal.Zero,
	}
	for _, p := range positions {
		sum.TotalInvested = sum.TotalInvested.Add(p.TotalInvested)
		sum.CurrentValue = sum.CurrentValue.Add(p.CurrentValue)
		sum.UnrealizedPnL = sum.UnrealizedPnL.Add(p.UnrealizedPnL)
	}
	for _, t := range sells {
		if t.Status != model.TxCancelled {
			sum.RealizedPnL = sum.RealizedPnL.Add(t.RealizedPnL)
		}
	}
	if sum.TotalInvested.IsPositive() {
		sum.ReturnPercentage = sum.UnrealizedPnL.Div(sum.TotalInvested).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return sum, nil
}

// TransactionPage is one page of transaction history.
type TransactionPage struct {
	Transactions []model.Transaction `json:"transactions"`
	Page         int                 `json:"page"`
	Limit        int                 `json:"limit"`
	Total        int                 `json:"total"`
	Pages        int                 `json:"pages"`
}

// Transactions returns page (1-based) of the user's history, newest first,
// optionally filtered by side and symbol.
func (s *Service) Transactions(ctx context.Context, userID string, page, limit int, side model.Side, symbol string) (*TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	txns, total, err := s.store.ListTransactions(ctx, userID, store.TransactionFilter{
		Side:   side,
		Symbol: symbol,
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	return &TransactionPage{
		Transactions: txns,
		Page:         page,
		Limit:        limit,
		Total:        total,
		Pages:        (total + limit - 1) / limit,
	}, nil
}
