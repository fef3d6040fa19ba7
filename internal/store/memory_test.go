package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedWallet(t *testing.T, s *MemoryStore, userID string, balance float64) {
	t.Helper()
	ctx := context.Background()
	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateWallet(ctx, &model.Wallet{UserID: userID, Currency: "INR", UpdatedAt: time.Now()}); err != nil {
			return err
		}
		if balance > 0 {
			_, err := tx.CreditWallet(ctx, &model.LedgerEntry{
				ID: "seed-" + userID, UserID: userID, Type: model.Credit,
				Amount: d(balance), Timestamp: time.Now(),
			})
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed wallet: %v", err)
	}
}

func TestMemory_DebitIsConditional(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "u1", 100)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		_, err := tx.DebitWallet(ctx, &model.LedgerEntry{
			ID: "e1", UserID: "u1", Type: model.Debit, Amount: d(150), Timestamp: time.Now(),
		})
		return err
	})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	w, _ := s.GetWallet(ctx, "u1")
	if !w.Balance.Equal(d(100)) {
		t.Errorf("balance changed after failed debit: %s", w.Balance)
	}
	if len(w.Ledger) != 1 {
		t.Errorf("expected 1 ledger entry, got %d", len(w.Ledger))
	}
}

func TestMemory_InTxRollsBackEverything(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "u1", 500)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, &model.Order{ID: "o1", UserID: "u1", Status: model.StatusPlaced}); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &model.Transaction{ID: "t1", UserID: "u1", OrderID: "o1"}); err != nil {
			return err
		}
		if _, err := tx.DebitWallet(ctx, &model.LedgerEntry{
			ID: "e1", UserID: "u1", Type: model.Debit, Amount: d(200), Timestamp: time.Now(),
		}); err != nil {
			return err
		}
		if err := tx.UpsertPosition(ctx, &model.Position{UserID: "u1", Symbol: "TCS", Exchange: "NSE", Quantity: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := s.GetOrder(ctx, "o1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("order should not exist after rollback, got %v", err)
	}
	txns, total, _ := s.ListTransactions(ctx, "u1", TransactionFilter{})
	if total != 0 || len(txns) != 0 {
		t.Errorf("transactions should be empty, got %d", total)
	}
	w, _ := s.GetWallet(ctx, "u1")
	if !w.Balance.Equal(d(500)) || len(w.Ledger) != 1 {
		t.Errorf("wallet not restored: balance=%s entries=%d", w.Balance, len(w.Ledger))
	}
	positions, _ := s.ListPositions(ctx, "u1")
	if len(positions) != 0 {
		t.Errorf("positions should be empty, got %d", len(positions))
	}
}

func TestMemory_RollbackRestoresReplacedPosition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	orig := &model.Position{UserID: "u1", Symbol: "TCS", Exchange: "NSE", Quantity: 10, AveragePrice: d(100)}
	_ = s.InTx(ctx, func(tx Tx) error { return tx.UpsertPosition(ctx, orig) })

	_ = s.InTx(ctx, func(tx Tx) error {
		_ = tx.DeletePosition(ctx, "u1", "TCS", "NSE")
		return errors.New("abort")
	})

	positions, _ := s.ListPositions(ctx, "u1")
	if len(positions) != 1 || positions[0].Quantity != 10 {
		t.Fatalf("position not restored: %+v", positions)
	}
}

func TestMemory_UpdateOrderStatusIsConditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = s.InTx(ctx, func(tx Tx) error {
		return tx.InsertOrder(ctx, &model.Order{ID: "o1", UserID: "u1", Status: model.StatusPlaced})
	})

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateOrderStatus(ctx, "o1", model.StatusPending, model.StatusRejected, now)
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	err = s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateOrderStatus(ctx, "o1", model.StatusPlaced, model.StatusFilled, now)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o, _ := s.GetOrder(ctx, "o1")
	if o.Status != model.StatusFilled || o.FilledAt == nil {
		t.Errorf("expected FILLED with timestamp, got %s", o.Status)
	}
}

func TestMemory_DeleteOrdersKeepsOpenOrders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	statuses := []model.OrderStatus{
		model.StatusPending, model.StatusPlaced, model.StatusFilled, model.StatusCancelled, model.StatusRejected,
	}
	_ = s.InTx(ctx, func(tx Tx) error {
		for i, st := range statuses {
			_ = tx.InsertOrder(ctx, &model.Order{ID: string(rune('a' + i)), UserID: "u1", Status: st})
		}
		return tx.InsertOrder(ctx, &model.Order{ID: "other", UserID: "u2", Status: model.StatusFilled})
	})

	n, err := s.DeleteOrders(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deleted, got %d", n)
	}
	for _, id := range []string{"a", "b", "other"} {
		if _, err := s.GetOrder(ctx, id); err != nil {
			t.Errorf("order %s should survive: %v", id, err)
		}
	}
	if _, err := s.GetOrder(ctx, "c"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected FILLED order to be deleted, got %v", err)
	}
}

func TestMemory_HasSaleAfter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	txn := func(id string, side model.Side, status model.TransactionStatus) *model.Transaction {
		return &model.Transaction{
			ID: id, UserID: "u1", OrderID: "o-" + id, Symbol: "TCS", Exchange: "NSE",
			Side: side, Status: status, CreatedAt: time.Now(),
		}
	}
	sold := func(ref string) bool {
		t.Helper()
		var got bool
		err := s.InTx(ctx, func(tx Tx) error {
			var err error
			got, err = tx.HasSaleAfter(ctx, &model.Transaction{ID: ref})
			return err
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return got
	}

	_ = s.InTx(ctx, func(tx Tx) error {
		_ = tx.InsertTransaction(ctx, txn("b1", model.SideBuy, model.TxCompleted))
		_ = tx.InsertTransaction(ctx, txn("s1", model.SideSell, model.TxCancelled))
		return tx.InsertTransaction(ctx, txn("b2", model.SideBuy, model.TxPending))
	})
	if sold("b1") {
		t.Error("a cancelled SELL must not count as a sale")
	}

	_ = s.InTx(ctx, func(tx Tx) error {
		return tx.InsertTransaction(ctx, txn("s2", model.SideSell, model.TxPending))
	})
	if !sold("b1") || !sold("b2") {
		t.Error("expected the pending SELL to follow both buys")
	}
	if sold("s2") {
		t.Error("nothing was sold after the last transaction")
	}
}

func TestMemory_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := NewMemoryStore()
	seedWallet(t, s, "u1", 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx Tx) error {
				_, err := tx.DebitWallet(ctx, &model.LedgerEntry{
					ID: "x", UserID: "u1", Type: model.Debit, Amount: d(30), Timestamp: time.Now(),
				})
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Errorf("expected exactly 3 debits of 30 from 100, got %d", succeeded)
	}
	w, _ := s.GetWallet(ctx, "u1")
	if !w.Balance.Equal(d(10)) {
		t.Errorf("expected balance 10, got %s", w.Balance)
	}
}

func TestMemory_TransactionFilterAndPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.InTx(ctx, func(tx Tx) error {
		for i, side := range []model.Side{model.SideBuy, model.SideSell, model.SideBuy, model.SideBuy} {
			_ = tx.InsertTransaction(ctx, &model.Transaction{
				ID: string(rune('a' + i)), UserID: "u1", OrderID: string(rune('a' + i)),
				Symbol: "TCS", Side: side, CreatedAt: time.Now(),
			})
		}
		return nil
	})

	page, total, _ := s.ListTransactions(ctx, "u1", TransactionFilter{Side: model.SideBuy, Limit: 2})
	if total != 3 {
		t.Errorf("expected 3 BUY transactions, got %d", total)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
	if page[0].ID != "d" {
		t.Errorf("expected newest first, got %s", page[0].ID)
	}

	page, _, _ = s.ListTransactions(ctx, "u1", TransactionFilter{Offset: 10})
	if len(page) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(page))
	}
}

func TestMemory_WatchlistUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := &model.WatchlistEntry{ID: "w1", UserID: "u1", Symbol: "TCS", Exchange: "NSE"}
	if err := s.AddWatchlistEntry(ctx, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dup := &model.WatchlistEntry{ID: "w2", UserID: "u1", Symbol: "TCS", Exchange: "NSE"}
	if err := s.AddWatchlistEntry(ctx, dup); !errors.Is(err, model.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := s.DeleteWatchlistEntry(ctx, "someone-else", "w1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for another user's entry, got %v", err)
	}
}

func TestCacheCodec_PreservesDecimals(t *testing.T) {
	target := d(123.45)
	in := []model.Position{{
		UserID: "u1", Symbol: "TCS", Exchange: "NSE", Quantity: 3,
		AveragePrice: d(3900.25), TotalInvested: d(11700.75),
	}}
	entries := []model.WatchlistEntry{{ID: "w1", Symbol: "INFY", TargetPrice: &target}}

	data, err := encodeCached(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out []model.Position
	if err := decodeCached(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || !out[0].AveragePrice.Equal(d(3900.25)) || out[0].Quantity != 3 {
		t.Errorf("position mismatch: %+v", out)
	}

	data, _ = encodeCached(entries)
	var outEntries []model.WatchlistEntry
	if err := decodeCached(data, &outEntries); err != nil {
		t.Fatalf("decode watchlist: %v", err)
	}
	if outEntries[0].TargetPrice == nil || !outEntries[0].TargetPrice.Equal(target) {
		t.Errorf("target price lost: %+v", outEntries[0].TargetPrice)
	}
}
