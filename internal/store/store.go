// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/model"
)

// TransactionFilter narrows a transaction history query.
type TransactionFilter struct {
	Side   model.Side              // empty = any
	Symbol string                  // empty = any
	Status model.TransactionStatus // empty = any
	Since  time.Time               // zero = unbounded
	Until  time.Time               // zero = unbounded
	Offset int
	Limit  int // 0 = no limit
}

// Store is the persistence interface. Reads outside InTx see only committed
// state. Every multi-record mutation goes through InTx.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user. Duplicate emails fail with ErrConflict.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByEmail retrieves a user by email (case-insensitive).
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)

	// ListUserIDs returns every user ID.
	ListUserIDs(ctx context.Context) ([]string, error)

	// --- Wallet reads ---

	// GetWallet returns the wallet with its full ledger, oldest first.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// --- Orders ---

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns a user's orders, newest first.
	ListOrders(ctx context.Context, userID string) ([]model.Order, error)

	// ListOrdersByStatus returns all orders in the given status, oldest first.
	ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error)

	// DeleteOrders removes the user's orders that reached a final status
	// (FILLED, CANCELLED, REJECTED) and returns the count. PENDING and
	// PLACED orders are kept.
	DeleteOrders(ctx context.Context, userID string) (int64, error)

	// --- Transactions ---

	// ListTransactions returns a page of a user's transactions, newest first,
	// and the total number matching the filter.
	ListTransactions(ctx context.Context, userID string, f TransactionFilter) ([]model.Transaction, int, error)

	// --- Positions ---

	// ListPositions returns a user's open positions.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// UpdatePositionPrice marks one position at price without touching its
	// quantity or cost. A position closed meanwhile is ErrNotFound.
	UpdatePositionPrice(ctx context.Context, userID, symbol, exchange string, price decimal.Decimal, at time.Time) error

	// --- Watchlist ---

	// AddWatchlistEntry persists an entry; duplicates fail with ErrConflict.
	AddWatchlistEntry(ctx context.Context, e *model.WatchlistEntry) error

	// UpdateWatchlistEntry replaces thresholds and notes of an entry.
	UpdateWatchlistEntry(ctx context.Context, e *model.WatchlistEntry) error

	// DeleteWatchlistEntry removes one of the user's entries.
	DeleteWatchlistEntry(ctx context.Context, userID, id string) error

	// ListWatchlist returns a user's entries, oldest first.
	ListWatchlist(ctx context.Context, userID string) ([]model.WatchlistEntry, error)

	// --- Unit of work ---

	// InTx runs fn atomically. If fn returns an error nothing it wrote is
	// visible afterwards.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a unit of work.
type Tx interface {
	// GetWallet returns the wallet balance without its ledger, locking it
	// for the rest of the unit. A missing wallet is ErrWalletNotFound.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// CreateWallet creates an empty wallet. An existing wallet is ErrConflict.
	CreateWallet(ctx context.Context, w *model.Wallet) error

	// CreditWallet appends a CREDIT entry and increments the balance,
	// returning the new balance.
	CreditWallet(ctx context.Context, entry *model.LedgerEntry) (decimal.Decimal, error)

	// DebitWallet appends a DEBIT entry and decrements the balance only if
	// the balance covers it, else ErrInsufficientFunds.
	DebitWallet(ctx context.Context, entry *model.LedgerEntry) (decimal.Decimal, error)

	// ClearWallet sets the balance to zero and discards the ledger.
	ClearWallet(ctx context.Context, userID string) error

	// HasLedgerReference reports whether the user's ledger already holds an
	// entry with the given reference and type.
	HasLedgerReference(ctx context.Context, userID, reference string, typ model.EntryType) (bool, error)

	// InsertOrder persists a new order.
	InsertOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order, locking it for the rest of the unit.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// UpdateOrderStatus moves an order from one status to another, stamping
	// the matching timestamp. If the order is not in from, ErrConflict.
	UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus, at time.Time) error

	// InsertTransaction persists a new transaction.
	InsertTransaction(ctx context.Context, t *model.Transaction) error

	// GetTransactionByOrder returns the transaction created for an order.
	GetTransactionByOrder(ctx context.Context, orderID string) (*model.Transaction, error)

	// HasSaleAfter reports whether a SELL of the same user and instrument
	// that is not CANCELLED was recorded after t.
	HasSaleAfter(ctx context.Context, t *model.Transaction) (bool, error)

	// UpdateTransactionStatus sets the status of a transaction.
	UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus, at time.Time) error

	// GetPosition returns the position for (user, symbol, exchange) or
	// ErrNotFound.
	GetPosition(ctx context.Context, userID, symbol, exchange string) (*model.Position, error)

	// ListPositions returns the user's positions inside the unit.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// UpsertPosition creates or replaces the position for its triple.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes the position for (user, symbol, exchange).
	DeletePosition(ctx context.Context, userID, symbol, exchange string) error
}
