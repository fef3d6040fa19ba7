package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tradedesk/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for wallets, positions and watchlists. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall back
// to the primary. Values are msgpack-encoded using the json field names.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if s.load(ctx, walletKey(userID), &w) {
		return &w, nil
	}
	wp, err := s.primary.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, walletKey(userID), wp)
	return wp, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.load(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, positionsKey(userID), positions)
	return positions, nil
}

func (s *CachedStore) ListWatchlist(ctx context.Context, userID string) ([]model.WatchlistEntry, error) {
	var entries []model.WatchlistEntry
	if s.load(ctx, watchlistKey(userID), &entries) {
		return entries, nil
	}
	entries, err := s.primary.ListWatchlist(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, watchlistKey(userID), entries)
	return entries, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdatePositionPrice(ctx context.Context, userID, symbol, exchange string, price decimal.Decimal, at time.Time) error {
	if err := s.primary.UpdatePositionPrice(ctx, userID, symbol, exchange, price, at); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(userID))
	return nil
}

func (s *CachedStore) AddWatchlistEntry(ctx context.Context, e *model.WatchlistEntry) error {
	if err := s.primary.AddWatchlistEntry(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, watchlistKey(e.UserID))
	return nil
}

func (s *CachedStore) UpdateWatchlistEntry(ctx context.Context, e *model.WatchlistEntry) error {
	if err := s.primary.UpdateWatchlistEntry(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, watchlistKey(e.UserID))
	return nil
}

func (s *CachedStore) DeleteWatchlistEntry(ctx context.Context, userID, id string) error {
	if err := s.primary.DeleteWatchlistEntry(ctx, userID, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, watchlistKey(userID))
	return nil
}

// InTx runs the unit against the primary and, once it commits, drops the
// cached wallet and positions of every user it touched.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{users: make(map[string]struct{})}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, 2*len(rec.users))
	for uid := range rec.users {
		keys = append(keys, walletKey(uid), positionsKey(uid))
	}
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.primary.GetUserByEmail(ctx, email)
}

func (s *CachedStore) ListUserIDs(ctx context.Context) ([]string, error) {
	return s.primary.ListUserIDs(ctx)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, userID)
}

func (s *CachedStore) ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	return s.primary.ListOrdersByStatus(ctx, status)
}

func (s *CachedStore) DeleteOrders(ctx context.Context, userID string) (int64, error) {
	return s.primary.DeleteOrders(ctx, userID)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string, f TransactionFilter) ([]model.Transaction, int, error) {
	return s.primary.ListTransactions(ctx, userID, f)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return decodeCached(data, v) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := encodeCached(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func encodeCached(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCached(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func walletKey(uid string) string    { return fmt.Sprintf("wallet:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
func watchlistKey(uid string) string { return fmt.Sprintf("watchlist:%s", uid) }

// recordingTx forwards to the primary Tx and remembers whose wallet or
// positions were written.
type recordingTx struct {
	Tx
	mu    sync.Mutex
	users map[string]struct{}
}

func (t *recordingTx) touch(uid string) {
	t.mu.Lock()
	t.users[uid] = struct{}{}
	t.mu.Unlock()
}

func (t *recordingTx) CreateWallet(ctx context.Context, w *model.Wallet) error {
	t.touch(w.UserID)
	return t.Tx.CreateWallet(ctx, w)
}

func (t *recordingTx) CreditWallet(ctx context.Context, e *model.LedgerEntry) (decimal.Decimal, error) {
	t.touch(e.UserID)
	return t.Tx.CreditWallet(ctx, e)
}

func (t *recordingTx) DebitWallet(ctx context.Context, e *model.LedgerEntry) (decimal.Decimal, error) {
	t.touch(e.UserID)
	return t.Tx.DebitWallet(ctx, e)
}

func (t *recordingTx) ClearWallet(ctx context.Context, userID string) error {
	t.touch(userID)
	return t.Tx.ClearWallet(ctx, userID)
}

func (t *recordingTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	t.touch(p.UserID)
	return t.Tx.UpsertPosition(ctx, p)
}

func (t *recordingTx) DeletePosition(ctx context.Context, userID, symbol, exchange string) error {
	t.touch(userID)
	return t.Tx.DeletePosition(ctx, userID, symbol, exchange)
}
