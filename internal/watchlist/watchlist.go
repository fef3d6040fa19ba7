// Package watchlist keeps per-user lists of observed instruments with
// optional target and stop-loss alerts evaluated against live quotes.
package watchlist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradedesk/trading-engine/internal/broker"
	"github.com/tradedesk/trading-engine/internal/instrument"
	"github.com/tradedesk/trading-engine/internal/model"
	"github.com/tradedesk/trading-engine/internal/store"
)

const maxNotes = 500

// Quoter fetches the latest quote for an instrument.
type Quoter interface {
	GetQuote(ctx context.Context, exchange, symbol string) (*broker.Quote, error)
}

// Service manages watchlists.
type Service struct {
	store  store.Store
	quotes Quoter
	now    func() time.Time
}

// NewService creates a watchlist service.
func NewService(st store.Store, quotes Quoter) *Service {
	return &Service{
		store:  st,
		quotes: quotes,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EntryRequest carries user-editable fields of an entry.
type EntryRequest struct {
	Symbol      string           `json:"symbol"`
	Exchange    string           `json:"exchange"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
	StopLoss    *decimal.Decimal `json:"stop_loss,omitempty"`
	Notes       string           `json:"notes,omitempty"`
}

func (r *EntryRequest) validate() error {
	if r.TargetPrice != nil && !r.TargetPrice.IsPositive() {
		return fmt.Errorf("%w: target price must be positive", model.ErrInvalidRequest)
	}
	if r.StopLoss != nil && !r.StopLoss.IsPositive() {
		return fmt.Errorf("%w: stop loss must be positive", model.ErrInvalidRequest)
	}
	r.Notes = strings.TrimSpace(r.Notes)
	if len(r.Notes) > maxNotes {
		return fmt.Errorf("%w: notes longer than %d characters", model.ErrInvalidRequest, maxNotes)
	}
	return nil
}

// Evaluate sets the derived price and hit flags of e for ltp.
func Evaluate(e *model.WatchlistEntry, ltp decimal.Decimal) {
	e.LastPrice = &ltp
	e.TargetHit = e.TargetPrice != nil && ltp.GreaterThanOrEqual(*e.TargetPrice)
	e.StopLossHit = e.StopLoss != nil && ltp.LessThanOrEqual(*e.StopLoss)
}

// List returns the user's entries evaluated against live quotes. Entries
// whose quote fails are returned without a price.
func (s *Service) List(ctx context.Context, userID string) ([]model.WatchlistEntry, error) {
	entries, err := s.store.ListWatchlist(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return []model.WatchlistEntry{}, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range entries {
		g.Go(func() error {
			q, err := s.quotes.GetQuote(gctx, entries[i].Exchange, entries[i].Symbol)
			if err != nil {
				return nil
			}
			mu.Lock()
			Evaluate(&entries[i], q.LTP)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return entries, nil
}

// Add puts an instrument on the user's watchlist. An instrument already
// present is ErrConflict.
func (s *Service) Add(ctx context.Context, userID string, req EntryRequest) (*model.WatchlistEntry, error) {
	key, err := instrument.Normalize(req.Exchange, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	e := &model.WatchlistEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		Symbol:      key.Symbol,
		Exchange:    key.Exchange,
		TargetPrice: req.TargetPrice,
		StopLoss:    req.StopLoss,
		Notes:       req.Notes,
		CreatedAt:   s.now(),
	}
	if err := s.store.AddWatchlistEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Update replaces the thresholds and notes of entry id.
func (s *Service) Update(ctx context.Context, userID, id string, req EntryRequest) (*model.WatchlistEntry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	entries, err := s.store.ListWatchlist(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID != id {
			continue
		}
		e.TargetPrice = req.TargetPrice
		e.StopLoss = req.StopLoss
		e.Notes = req.Notes
		if err := s.store.UpdateWatchlistEntry(ctx, &e); err != nil {
			return nil, err
		}
		return &e, nil
	}
	return nil, fmt.Errorf("%w: watchlist entry %s", model.ErrNotFound, id)
}

// Remove deletes entry id.
func (s *Service) Remove(ctx context.Context, userID, id string) error {
	return s.store.DeleteWatchlistEntry(ctx, userID, id)
}
