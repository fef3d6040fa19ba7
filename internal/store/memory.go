package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/model"
)

type posKey struct{ userID, symbol, exchange string }

type memWallet struct {
	wallet model.Wallet // Ledger unused; entries live in ledger
	ledger []model.LedgerEntry
}

type seqOrder struct {
	model.Order
	seq uint64
}

type seqTxn struct {
	model.Transaction
	seq uint64
}

type seqWatch struct {
	model.WatchlistEntry
	seq uint64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx holds the write lock for the whole unit and keeps an undo log, so a
// failing unit leaves no trace. Functions passed to InTx must only use the
// Tx they are given.
type MemoryStore struct {
	mu        sync.RWMutex
	seq       uint64
	users     map[string]*model.User
	wallets   map[string]*memWallet
	orders    map[string]*seqOrder
	txns      map[string]*seqTxn
	positions map[posKey]*model.Position
	watchlist map[string]*seqWatch
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		wallets:   make(map[string]*memWallet),
		orders:    make(map[string]*seqOrder),
		txns:      make(map[string]*seqTxn),
		positions: make(map[posKey]*model.Position),
		watchlist: make(map[string]*seqWatch),
	}
}

func (s *MemoryStore) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("%w: user with email %s already exists", model.ErrConflict, u.Email)
		}
	}
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrNotFound, id)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			copy := *u
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: user with email %s", model.ErrNotFound, email)
}

func (s *MemoryStore) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Wallet reads ---

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mw, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrWalletNotFound, userID)
	}
	w := mw.wallet
	w.Ledger = append([]model.LedgerEntry{}, mw.ledger...)
	return &w, nil
}

// --- Orders ---

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOrder(id)
}

func (s *MemoryStore) getOrder(id string) (*model.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	copy := o.Order
	return &copy, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*seqOrder
	for _, o := range s.orders {
		if o.UserID == userID {
			rows = append(rows, o)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })

	orders := make([]model.Order, 0, len(rows))
	for _, o := range rows {
		orders = append(orders, o.Order)
	}
	return orders, nil
}

func (s *MemoryStore) ListOrdersByStatus(_ context.Context, status model.OrderStatus) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*seqOrder
	for _, o := range s.orders {
		if o.Status == status {
			rows = append(rows, o)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	orders := make([]model.Order, 0, len(rows))
	for _, o := range rows {
		orders = append(orders, o.Order)
	}
	return orders, nil
}

func (s *MemoryStore) DeleteOrders(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, o := range s.orders {
		if o.UserID == userID && o.Status.Terminal() {
			delete(s.orders, id)
			n++
		}
	}
	return n, nil
}

// --- Transactions ---

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, f TransactionFilter) ([]model.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*seqTxn
	for _, t := range s.txns {
		if t.UserID != userID || !matchTxn(&t.Transaction, f) {
			continue
		}
		rows = append(rows, t)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })

	total := len(rows)
	start := min(f.Offset, total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}

	page := make([]model.Transaction, 0, end-start)
	for _, t := range rows[start:end] {
		page = append(page, t.Transaction)
	}
	return page, total, nil
}

func matchTxn(t *model.Transaction, f TransactionFilter) bool {
	if f.Side != "" && t.Side != f.Side {
		return false
	}
	if f.Symbol != "" && !strings.EqualFold(t.Symbol, f.Symbol) {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && t.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// --- Positions ---

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPositions(userID), nil
}

func (s *MemoryStore) listPositions(userID string) []model.Position {
	positions := []model.Position{}
	for k, p := range s.positions {
		if k.userID == userID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Symbol != positions[j].Symbol {
			return positions[i].Symbol < positions[j].Symbol
		}
		return positions[i].Exchange < positions[j].Exchange
	})
	return positions
}

func (s *MemoryStore) UpdatePositionPrice(_ context.Context, userID, symbol, exchange string, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posKey{userID, symbol, exchange}]
	if !ok {
		return fmt.Errorf("%w: position %s:%s", model.ErrNotFound, exchange, symbol)
	}
	p.Mark(price, at)
	return nil
}

// --- Watchlist ---

func (s *MemoryStore) AddWatchlistEntry(_ context.Context, e *model.WatchlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.watchlist {
		if existing.UserID == e.UserID && existing.Symbol == e.Symbol && existing.Exchange == e.Exchange {
			return fmt.Errorf("%w: %s:%s already on watchlist", model.ErrConflict, e.Exchange, e.Symbol)
		}
	}
	s.watchlist[e.ID] = &seqWatch{WatchlistEntry: *e, seq: s.nextSeq()}
	return nil
}

func (s *MemoryStore) UpdateWatchlistEntry(_ context.Context, e *model.WatchlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.watchlist[e.ID]
	if !ok || existing.UserID != e.UserID {
		return fmt.Errorf("%w: watchlist entry %s", model.ErrNotFound, e.ID)
	}
	existing.TargetPrice = e.TargetPrice
	existing.StopLoss = e.StopLoss
	existing.Notes = e.Notes
	return nil
}

func (s *MemoryStore) DeleteWatchlistEntry(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.watchlist[id]
	if !ok || existing.UserID != userID {
		return fmt.Errorf("%w: watchlist entry %s", model.ErrNotFound, id)
	}
	delete(s.watchlist, id)
	return nil
}

func (s *MemoryStore) ListWatchlist(_ context.Context, userID string) ([]model.WatchlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*seqWatch
	for _, e := range s.watchlist {
		if e.UserID == userID {
			rows = append(rows, e)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	entries := make([]model.WatchlistEntry, 0, len(rows))
	for _, e := range rows {
		entries = append(entries, e.WatchlistEntry)
	}
	return entries, nil
}

// --- Unit of work ---

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}
	return nil
}

// memTx applies writes directly and records how to undo each one.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) wallet(userID string) (*memWallet, error) {
	mw, ok := t.s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", model.ErrWalletNotFound, userID)
	}
	return mw, nil
}

func (t *memTx) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	mw, err := t.wallet(userID)
	if err != nil {
		return nil, err
	}
	w := mw.wallet
	return &w, nil
}

func (t *memTx) CreateWallet(_ context.Context, w *model.Wallet) error {
	if _, ok := t.s.wallets[w.UserID]; ok {
		return fmt.Errorf("%w: wallet for user %s exists", model.ErrConflict, w.UserID)
	}
	mw := &memWallet{wallet: *w}
	mw.wallet.Ledger = nil
	t.s.wallets[w.UserID] = mw
	t.undo = append(t.undo, func() { delete(t.s.wallets, w.UserID) })
	return nil
}

func (t *memTx) appendEntry(mw *memWallet, e *model.LedgerEntry, newBalance decimal.Decimal) {
	prevBalance, prevUpdated, prevLen := mw.wallet.Balance, mw.wallet.UpdatedAt, len(mw.ledger)
	mw.ledger = append(mw.ledger, *e)
	mw.wallet.Balance = newBalance
	mw.wallet.UpdatedAt = e.Timestamp
	t.undo = append(t.undo, func() {
		mw.ledger = mw.ledger[:prevLen]
		mw.wallet.Balance = prevBalance
		mw.wallet.UpdatedAt = prevUpdated
	})
}

func (t *memTx) CreditWallet(_ context.Context, e *model.LedgerEntry) (decimal.Decimal, error) {
	mw, err := t.wallet(e.UserID)
	if err != nil {
		return decimal.Zero, err
	}
	balance := mw.wallet.Balance.Add(e.Amount)
	t.appendEntry(mw, e, balance)
	return balance, nil
}

func (t *memTx) DebitWallet(_ context.Context, e *model.LedgerEntry) (decimal.Decimal, error) {
	mw, err := t.wallet(e.UserID)
	if err != nil {
		return decimal.Zero, err
	}
	if mw.wallet.Balance.LessThan(e.Amount) {
		return decimal.Zero, fmt.Errorf("%w: balance %s, need %s",
			model.ErrInsufficientFunds, mw.wallet.Balance.StringFixed(2), e.Amount.StringFixed(2))
	}
	balance := mw.wallet.Balance.Sub(e.Amount)
	t.appendEntry(mw, e, balance)
	return balance, nil
}

func (t *memTx) ClearWallet(_ context.Context, userID string) error {
	mw, err := t.wallet(userID)
	if err != nil {
		return err
	}
	prevWallet, prevLedger := mw.wallet, mw.ledger
	mw.wallet.Balance = decimal.Zero
	mw.wallet.UpdatedAt = time.Now().UTC()
	mw.ledger = nil
	t.undo = append(t.undo, func() {
		mw.wallet = prevWallet
		mw.ledger = prevLedger
	})
	return nil
}

func (t *memTx) HasLedgerReference(_ context.Context, userID, reference string, typ model.EntryType) (bool, error) {
	mw, ok := t.s.wallets[userID]
	if !ok {
		return false, nil
	}
	for _, e := range mw.ledger {
		if e.Reference == reference && e.Type == typ {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, ok := t.s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s exists", model.ErrConflict, o.ID)
	}
	t.s.orders[o.ID] = &seqOrder{Order: *o, seq: t.s.nextSeq()}
	t.undo = append(t.undo, func() { delete(t.s.orders, o.ID) })
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	return t.s.getOrder(id)
}

func (t *memTx) UpdateOrderStatus(_ context.Context, id string, from, to model.OrderStatus, at time.Time) error {
	o, ok := t.s.orders[id]
	if !ok {
		return fmt.Errorf("%w: order %s", model.ErrNotFound, id)
	}
	if o.Status != from {
		return fmt.Errorf("%w: order %s is %s, not %s", model.ErrConflict, id, o.Status, from)
	}
	prev := o.Order
	o.Status = to
	stampOrder(&o.Order, to, at)
	t.undo = append(t.undo, func() { o.Order = prev })
	return nil
}

// stampOrder sets the timestamp that corresponds to entering status.
func stampOrder(o *model.Order, status model.OrderStatus, at time.Time) {
	switch status {
	case model.StatusPlaced:
		o.PlacedAt = &at
	case model.StatusFilled:
		o.FilledAt = &at
	case model.StatusCancelled:
		o.CancelledAt = &at
	}
}

func (t *memTx) InsertTransaction(_ context.Context, txn *model.Transaction) error {
	if _, ok := t.s.txns[txn.ID]; ok {
		return fmt.Errorf("%w: transaction %s exists", model.ErrConflict, txn.ID)
	}
	t.s.txns[txn.ID] = &seqTxn{Transaction: *txn, seq: t.s.nextSeq()}
	t.undo = append(t.undo, func() { delete(t.s.txns, txn.ID) })
	return nil
}

func (t *memTx) GetTransactionByOrder(_ context.Context, orderID string) (*model.Transaction, error) {
	for _, txn := range t.s.txns {
		if txn.OrderID == orderID {
			copy := txn.Transaction
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: transaction for order %s", model.ErrNotFound, orderID)
}

func (t *memTx) HasSaleAfter(_ context.Context, ref *model.Transaction) (bool, error) {
	base, ok := t.s.txns[ref.ID]
	if !ok {
		return false, fmt.Errorf("%w: transaction %s", model.ErrNotFound, ref.ID)
	}
	for _, txn := range t.s.txns {
		if txn.seq > base.seq && txn.UserID == base.UserID && txn.Side == model.SideSell &&
			txn.Symbol == base.Symbol && txn.Exchange == base.Exchange && txn.Status != model.TxCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) UpdateTransactionStatus(_ context.Context, id string, status model.TransactionStatus, at time.Time) error {
	txn, ok := t.s.txns[id]
	if !ok {
		return fmt.Errorf("%w: transaction %s", model.ErrNotFound, id)
	}
	prev := txn.Transaction
	txn.Status = status
	txn.UpdatedAt = at
	t.undo = append(t.undo, func() { txn.Transaction = prev })
	return nil
}

func (t *memTx) GetPosition(_ context.Context, userID, symbol, exchange string) (*model.Position, error) {
	p, ok := t.s.positions[posKey{userID, symbol, exchange}]
	if !ok {
		return nil, fmt.Errorf("%w: position %s:%s", model.ErrNotFound, exchange, symbol)
	}
	copy := *p
	return &copy, nil
}

func (t *memTx) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	return t.s.listPositions(userID), nil
}

func (t *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	k := posKey{p.UserID, p.Symbol, p.Exchange}
	prev, existed := t.s.positions[k]
	copy := *p
	t.s.positions[k] = &copy
	t.undo = append(t.undo, func() {
		if existed {
			t.s.positions[k] = prev
		} else {
			delete(t.s.positions, k)
		}
	})
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, userID, symbol, exchange string) error {
	k := posKey{userID, symbol, exchange}
	prev, ok := t.s.positions[k]
	if !ok {
		return nil
	}
	delete(t.s.positions, k)
	t.undo = append(t.undo, func() { t.s.positions[k] = prev })
	return nil
}
