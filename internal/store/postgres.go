package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// wrapPgErr maps driver errors onto the model taxonomy.
func wrapPgErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", model.ErrConflict, what)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrPersistence, what, err)
}

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func decPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v := dec(*s)
	return &v
}

func decArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	var bank any
	if u.BankDetail != nil {
		b, err := json.Marshal(u.BankDetail)
		if err != nil {
			return err
		}
		bank = string(b)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, full_name, kyc_verified, bank_detail, broker_linked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, $8)`,
		u.ID, u.Email, u.PasswordHash, u.FullName, u.KYCVerified, bank, u.BrokerLinked, u.CreatedAt,
	)
	return wrapPgErr(err, "user "+u.Email)
}

const userColumns = `id, email, password_hash, full_name, kyc_verified, bank_detail::TEXT, broker_linked, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var bank *string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName,
		&u.KYCVerified, &bank, &u.BrokerLinked, &u.CreatedAt); err != nil {
		return nil, err
	}
	if bank != nil {
		var bd model.BankDetail
		if err := json.Unmarshal([]byte(*bank), &bd); err == nil {
			u.BankDetail = &bd
		}
	}
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return u, wrapPgErr(err, "user "+id)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email))
	return u, wrapPgErr(err, "user "+email)
}

func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, wrapPgErr(err, "list users")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, wrapPgErr(err, "list users")
}

// --- Wallet reads ---

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := getWallet(ctx, s.pool, userID, false)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, description, reference, timestamp
		 FROM ledger_entries WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, wrapPgErr(err, "ledger "+userID)
	}
	defer rows.Close()

	w.Ledger = []model.LedgerEntry{}
	for rows.Next() {
		var e model.LedgerEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &amount, &e.Description, &e.Reference, &e.Timestamp); err != nil {
			return nil, wrapPgErr(err, "ledger "+userID)
		}
		e.Amount = dec(amount)
		w.Ledger = append(w.Ledger, e)
	}
	return w, wrapPgErr(rows.Err(), "ledger "+userID)
}

func getWallet(ctx context.Context, q querier, userID string, forUpdate bool) (*model.Wallet, error) {
	sql := `SELECT user_id, balance::TEXT, currency, updated_at FROM wallets WHERE user_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var w model.Wallet
	var balance string
	err := q.QueryRow(ctx, sql, userID).Scan(&w.UserID, &balance, &w.Currency, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", model.ErrWalletNotFound, userID)
	}
	if err != nil {
		return nil, wrapPgErr(err, "wallet "+userID)
	}
	w.Balance = dec(balance)
	return &w, nil
}

// --- Orders ---

const orderColumns = `id, user_id, symbol, exchange, side, quantity, order_type,
	limit_price::TEXT, trigger_price::TEXT, stop_loss::TEXT, take_profit::TEXT,
	validity, price::TEXT, status, provider_order_id, reject_reason,
	created_at, placed_at, filled_at, cancelled_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var limit, trigger, stop, take *string
	var price string
	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Exchange, &o.Side, &o.Quantity, &o.OrderType,
		&limit, &trigger, &stop, &take,
		&o.Validity, &price, &o.Status, &o.ProviderOrderID, &o.RejectReason,
		&o.CreatedAt, &o.PlacedAt, &o.FilledAt, &o.CancelledAt); err != nil {
		return nil, err
	}
	o.LimitPrice = decPtr(limit)
	o.TriggerPrice = decPtr(trigger)
	o.StopLoss = decPtr(stop)
	o.TakeProfit = decPtr(take)
	o.Price = dec(price)
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()
	orders := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	return o, wrapPgErr(err, "order "+id)
}

func (s *PostgresStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY seq DESC`, userID)
	if err != nil {
		return nil, wrapPgErr(err, "list orders")
	}
	orders, err := collectOrders(rows)
	return orders, wrapPgErr(err, "list orders")
}

func (s *PostgresStore) ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY seq`, status)
	if err != nil {
		return nil, wrapPgErr(err, "list orders by status")
	}
	orders, err := collectOrders(rows)
	return orders, wrapPgErr(err, "list orders by status")
}

func (s *PostgresStore) DeleteOrders(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE user_id = $1 AND status = ANY($2)`,
		userID, []string{string(model.StatusFilled), string(model.StatusCancelled), string(model.StatusRejected)})
	if err != nil {
		return 0, wrapPgErr(err, "delete orders")
	}
	return tag.RowsAffected(), nil
}

// --- Transactions ---

const txnColumns = `id, user_id, order_id, symbol, exchange, side, quantity,
	price::TEXT, total_amount::TEXT, charges::TEXT, net_amount::TEXT,
	cost_basis::TEXT, realized_pnl::TEXT, status, created_at, updated_at`

func scanTxn(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var price, total, charges, net, basis, pnl string
	if err := row.Scan(&t.ID, &t.UserID, &t.OrderID, &t.Symbol, &t.Exchange, &t.Side, &t.Quantity,
		&price, &total, &charges, &net, &basis, &pnl, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Price = dec(price)
	t.TotalAmount = dec(total)
	t.Charges = dec(charges)
	t.NetAmount = dec(net)
	t.CostBasis = dec(basis)
	t.RealizedPnL = dec(pnl)
	return &t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, f TransactionFilter) ([]model.Transaction, int, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Side != "" {
		add("side = $%d", f.Side)
	}
	if f.Symbol != "" {
		add("UPPER(symbol) = UPPER($%d)", f.Symbol)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, wrapPgErr(err, "count transactions")
	}

	sql := `SELECT ` + txnColumns + ` FROM transactions WHERE ` + clause + ` ORDER BY seq DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, wrapPgErr(err, "list transactions")
	}
	defer rows.Close()

	txns := []model.Transaction{}
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, 0, wrapPgErr(err, "list transactions")
		}
		txns = append(txns, *t)
	}
	return txns, total, wrapPgErr(rows.Err(), "list transactions")
}

// --- Positions ---

const positionColumns = `user_id, symbol, exchange, quantity,
	average_price::TEXT, total_invested::TEXT, current_price::TEXT, current_value::TEXT,
	unrealized_pnl::TEXT, realized_pnl::TEXT, last_updated, created_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avg, invested, price, value, unrealized, realized string
	if err := row.Scan(&p.UserID, &p.Symbol, &p.Exchange, &p.Quantity,
		&avg, &invested, &price, &value, &unrealized, &realized,
		&p.LastUpdated, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.AveragePrice = dec(avg)
	p.TotalInvested = dec(invested)
	p.CurrentPrice = dec(price)
	p.CurrentValue = dec(value)
	p.UnrealizedPnL = dec(unrealized)
	p.RealizedPnL = dec(realized)
	return &p, nil
}

func listPositions(ctx context.Context, q querier, userID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY symbol, exchange`, userID)
	if err != nil {
		return nil, wrapPgErr(err, "list positions")
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, wrapPgErr(err, "list positions")
		}
		positions = append(positions, *p)
	}
	return positions, wrapPgErr(rows.Err(), "list positions")
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return listPositions(ctx, s.pool, userID)
}

func (s *PostgresStore) UpdatePositionPrice(ctx context.Context, userID, symbol, exchange string, price decimal.Decimal, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET current_price = $4::NUMERIC,
		     current_value = quantity * $4::NUMERIC,
		     unrealized_pnl = quantity * $4::NUMERIC - total_invested,
		     last_updated = $5
		 WHERE user_id = $1 AND symbol = $2 AND exchange = $3`,
		userID, symbol, exchange, price.String(), at)
	if err != nil {
		return wrapPgErr(err, "update position price")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: position %s:%s", model.ErrNotFound, exchange, symbol)
	}
	return nil
}

// --- Watchlist ---

func (s *PostgresStore) AddWatchlistEntry(ctx context.Context, e *model.WatchlistEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watchlist (id, user_id, symbol, exchange, target_price, stop_loss, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		e.ID, e.UserID, e.Symbol, e.Exchange, decArg(e.TargetPrice), decArg(e.StopLoss), e.Notes, e.CreatedAt)
	return wrapPgErr(err, fmt.Sprintf("watchlist %s:%s", e.Exchange, e.Symbol))
}

func (s *PostgresStore) UpdateWatchlistEntry(ctx context.Context, e *model.WatchlistEntry) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE watchlist SET target_price = $3::NUMERIC, stop_loss = $4::NUMERIC, notes = $5
		 WHERE id = $1 AND user_id = $2`,
		e.ID, e.UserID, decArg(e.TargetPrice), decArg(e.StopLoss), e.Notes)
	if err != nil {
		return wrapPgErr(err, "update watchlist")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: watchlist entry %s", model.ErrNotFound, e.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteWatchlistEntry(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM watchlist WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return wrapPgErr(err, "delete watchlist")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: watchlist entry %s", model.ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ListWatchlist(ctx context.Context, userID string) ([]model.WatchlistEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, exchange, target_price::TEXT, stop_loss::TEXT, notes, created_at
		 FROM watchlist WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, wrapPgErr(err, "list watchlist")
	}
	defer rows.Close()

	entries := []model.WatchlistEntry{}
	for rows.Next() {
		var e model.WatchlistEntry
		var target, stop *string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Symbol, &e.Exchange, &target, &stop, &e.Notes, &e.CreatedAt); err != nil {
			return nil, wrapPgErr(err, "list watchlist")
		}
		e.TargetPrice = decPtr(target)
		e.StopLoss = decPtr(stop)
		entries = append(entries, e)
	}
	return entries, wrapPgErr(rows.Err(), "list watchlist")
}

// --- Unit of work ---

// InTx runs fn inside a READ COMMITTED transaction. Row locks taken by
// GetWallet and GetOrder serialize concurrent units on the same records.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", model.ErrPersistence, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", model.ErrPersistence, err)
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return getWallet(ctx, t.tx, userID, true)
}

func (t *pgTx) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, currency, updated_at) VALUES ($1, $2::NUMERIC, $3, $4)`,
		w.UserID, w.Balance.String(), w.Currency, w.UpdatedAt)
	return wrapPgErr(err, "wallet "+w.UserID)
}

func (t *pgTx) insertEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, type, amount, description, reference, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		e.ID, e.UserID, e.Type, e.Amount.String(), e.Description, e.Reference, e.Timestamp)
	return wrapPgErr(err, "ledger entry "+e.ID)
}

func (t *pgTx) CreditWallet(ctx context.Context, e *model.LedgerEntry) (decimal.Decimal, error) {
	var balance string
	err := t.tx.QueryRow(ctx,
		`UPDATE wallets SET balance = balance + $2::NUMERIC, updated_at = $3
		 WHERE user_id = $1 RETURNING balance::TEXT`,
		e.UserID, e.Amount.String(), e.Timestamp).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: user %s", model.ErrWalletNotFound, e.UserID)
	}
	if err != nil {
		return decimal.Zero, wrapPgErr(err, "credit wallet")
	}
	if err := t.insertEntry(ctx, e); err != nil {
		return decimal.Zero, err
	}
	return dec(balance), nil
}

// DebitWallet uses a single conditional UPDATE so two units can never both
// debit against the same stale balance.
func (t *pgTx) DebitWallet(ctx context.Context, e *model.LedgerEntry) (decimal.Decimal, error) {
	var balance string
	err := t.tx.QueryRow(ctx,
		`UPDATE wallets SET balance = balance - $2::NUMERIC, updated_at = $3
		 WHERE user_id = $1 AND balance >= $2::NUMERIC RETURNING balance::TEXT`,
		e.UserID, e.Amount.String(), e.Timestamp).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, werr := getWallet(ctx, t.tx, e.UserID, false); werr != nil {
			return decimal.Zero, werr
		}
		return decimal.Zero, fmt.Errorf("%w: need %s", model.ErrInsufficientFunds, e.Amount.StringFixed(2))
	}
	if err != nil {
		return decimal.Zero, wrapPgErr(err, "debit wallet")
	}
	if err := t.insertEntry(ctx, e); err != nil {
		return decimal.Zero, err
	}
	return dec(balance), nil
}

func (t *pgTx) ClearWallet(ctx context.Context, userID string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets SET balance = 0, updated_at = NOW() WHERE user_id = $1`, userID)
	if err != nil {
		return wrapPgErr(err, "clear wallet")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", model.ErrWalletNotFound, userID)
	}
	_, err = t.tx.Exec(ctx, `DELETE FROM ledger_entries WHERE user_id = $1`, userID)
	return wrapPgErr(err, "clear ledger")
}

func (t *pgTx) HasLedgerReference(ctx context.Context, userID, reference string, typ model.EntryType) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE user_id = $1 AND reference = $2 AND type = $3)`,
		userID, reference, typ).Scan(&exists)
	return exists, wrapPgErr(err, "ledger reference")
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, symbol, exchange, side, quantity, order_type,
		                     limit_price, trigger_price, stop_loss, take_profit,
		                     validity, price, status, provider_order_id, reject_reason,
		                     created_at, placed_at, filled_at, cancelled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12, $13::NUMERIC, $14, $15, $16, $17, $18, $19, $20)`,
		o.ID, o.UserID, o.Symbol, o.Exchange, o.Side, o.Quantity, o.OrderType,
		decArg(o.LimitPrice), decArg(o.TriggerPrice), decArg(o.StopLoss), decArg(o.TakeProfit),
		o.Validity, o.Price.String(), o.Status, o.ProviderOrderID, o.RejectReason,
		o.CreatedAt, o.PlacedAt, o.FilledAt, o.CancelledAt)
	return wrapPgErr(err, "order "+o.ID)
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	return o, wrapPgErr(err, "order "+id)
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus, at time.Time) error {
	column := map[model.OrderStatus]string{
		model.StatusPlaced:    "placed_at",
		model.StatusFilled:    "filled_at",
		model.StatusCancelled: "cancelled_at",
	}[to]
	sql := `UPDATE orders SET status = $3 WHERE id = $1 AND status = $2`
	args := []any{id, from, to}
	if column != "" {
		sql = `UPDATE orders SET status = $3, ` + column + ` = $4 WHERE id = $1 AND status = $2`
		args = append(args, at)
	}

	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return wrapPgErr(err, "update order "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s is not %s", model.ErrConflict, id, from)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, order_id, symbol, exchange, side, quantity,
		                           price, total_amount, charges, net_amount, cost_basis, realized_pnl,
		                           status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14, $15, $16)`,
		txn.ID, txn.UserID, txn.OrderID, txn.Symbol, txn.Exchange, txn.Side, txn.Quantity,
		txn.Price.String(), txn.TotalAmount.String(), txn.Charges.String(), txn.NetAmount.String(),
		txn.CostBasis.String(), txn.RealizedPnL.String(),
		txn.Status, txn.CreatedAt, txn.UpdatedAt)
	return wrapPgErr(err, "transaction "+txn.ID)
}

func (t *pgTx) GetTransactionByOrder(ctx context.Context, orderID string) (*model.Transaction, error) {
	txn, err := scanTxn(t.tx.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE order_id = $1 FOR UPDATE`, orderID))
	return txn, wrapPgErr(err, "transaction for order "+orderID)
}

func (t *pgTx) HasSaleAfter(ctx context.Context, ref *model.Transaction) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM transactions s, transactions b
			WHERE b.id = $1 AND s.user_id = b.user_id AND s.symbol = b.symbol
			  AND s.exchange = b.exchange AND s.side = $2 AND s.status <> $3 AND s.seq > b.seq)`,
		ref.ID, model.SideSell, model.TxCancelled).Scan(&exists)
	if err != nil {
		return false, wrapPgErr(err, "sales after "+ref.ID)
	}
	return exists, nil
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, id string, status model.TransactionStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return wrapPgErr(err, "update transaction "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", model.ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) GetPosition(ctx context.Context, userID, symbol, exchange string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND symbol = $2 AND exchange = $3 FOR UPDATE`,
		userID, symbol, exchange))
	return p, wrapPgErr(err, fmt.Sprintf("position %s:%s", exchange, symbol))
}

func (t *pgTx) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return listPositions(ctx, t.tx, userID)
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, symbol, exchange, quantity, average_price, total_invested,
		                        current_price, current_value, unrealized_pnl, realized_pnl,
		                        last_updated, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)
		 ON CONFLICT (user_id, symbol, exchange) DO UPDATE SET
		     quantity = EXCLUDED.quantity,
		     average_price = EXCLUDED.average_price,
		     total_invested = EXCLUDED.total_invested,
		     current_price = EXCLUDED.current_price,
		     current_value = EXCLUDED.current_value,
		     unrealized_pnl = EXCLUDED.unrealized_pnl,
		     realized_pnl = EXCLUDED.realized_pnl,
		     last_updated = EXCLUDED.last_updated`,
		p.UserID, p.Symbol, p.Exchange, p.Quantity,
		p.AveragePrice.String(), p.TotalInvested.String(), p.CurrentPrice.String(),
		p.CurrentValue.String(), p.UnrealizedPnL.String(), p.RealizedPnL.String(),
		p.LastUpdated, p.CreatedAt)
	return wrapPgErr(err, fmt.Sprintf("position %s:%s", p.Exchange, p.Symbol))
}

func (t *pgTx) DeletePosition(ctx context.Context, userID, symbol, exchange string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND symbol = $2 AND exchange = $3`,
		userID, symbol, exchange)
	return wrapPgErr(err, fmt.Sprintf("delete position %s:%s", exchange, symbol))
}
