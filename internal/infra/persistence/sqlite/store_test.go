package sqlite

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"supplycore/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "nested", "lots.db"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createLots(t *testing.T, store *Store, lots ...domain.SupplyLot) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		for _, lot := range lots {
			if _, err := tx.CreateLot(lot); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create lots: %v", err)
	}
}

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestLotsRoundTripAndOrder(t *testing.T) {
	store := newTestStore(t)
	createLots(t, store,
		domain.SupplyLot{ID: 3, Product: 7, Owner: "0xA", Quantity: 5, QuantityLeft: 5, CreatedAt: base.Add(time.Hour)},
		domain.SupplyLot{ID: 2, Product: 7, Owner: "0xa", Quantity: 4, QuantityLeft: 4, CreatedAt: base},
		domain.SupplyLot{ID: 1, Product: 8, Owner: "0xb", Quantity: 1, QuantityLeft: 1, CreatedAt: base},
	)
	err := store.View(context.Background(), func(v domain.LotView) error {
		lots, err := v.ListLotsByProduct(7, "0xa")
		if err != nil {
			return err
		}
		if len(lots) != 2 || lots[0].ID != 2 || lots[1].ID != 3 {
			t.Fatalf("unexpected lots %+v", lots)
		}
		if !lots[1].CreatedAt.Equal(base.Add(time.Hour)) {
			t.Fatalf("timestamp not preserved: %v", lots[1].CreatedAt)
		}
		lot, ok, err := v.FindLot(1)
		if err != nil || !ok || lot.Owner != "0xb" {
			t.Fatalf("FindLot: %+v %v %v", lot, ok, err)
		}
		if _, ok, err := v.FindLot(99); err != nil || ok {
			t.Fatalf("expected missing lot, got %v %v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestConditionalDecrementAndRollback(t *testing.T) {
	store := newTestStore(t)
	createLots(t, store,
		domain.SupplyLot{ID: 1, Product: 7, Owner: "0xa", Quantity: 4, QuantityLeft: 4, CreatedAt: base},
		domain.SupplyLot{ID: 2, Product: 7, Owner: "0xa", Quantity: 2, QuantityLeft: 2, CreatedAt: base.Add(time.Minute)},
	)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		if _, err := tx.DecrementLot(1, 4); err != nil {
			return err
		}
		_, err := tx.DecrementLot(2, 3)
		return err
	})
	if !errors.Is(err, domain.ErrLotContention) {
		t.Fatalf("expected contention, got %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		_, err := tx.DecrementLot(42, 1)
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_ = store.View(context.Background(), func(v domain.LotView) error {
		lot, _, _ := v.FindLot(1)
		if lot.QuantityLeft != 4 {
			t.Fatalf("rolled back transaction leaked a decrement: %+v", lot)
		}
		return nil
	})
}

func TestRestoreLotRespectsQuantity(t *testing.T) {
	store := newTestStore(t)
	createLots(t, store, domain.SupplyLot{ID: 1, Product: 7, Owner: "0xa", Quantity: 4, QuantityLeft: 4, CreatedAt: base})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		_, err := tx.RestoreLot(1, 1)
		return err
	})
	if !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("expected restore beyond quantity to fail, got %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		if _, err := tx.DecrementLot(1, 3); err != nil {
			return err
		}
		lot, err := tx.RestoreLot(1, 3)
		if err == nil && lot.QuantityLeft != 4 {
			t.Fatalf("expected full restore, got %+v", lot)
		}
		return err
	})
	if err != nil {
		t.Fatalf("decrement+restore: %v", err)
	}
}

func TestListLotsPagesAcrossProducts(t *testing.T) {
	store := newTestStore(t)
	var lots []domain.SupplyLot
	for i := 1; i <= 12; i++ {
		lots = append(lots, domain.SupplyLot{ID: domain.LotID(i), Product: domain.ProductID(i%2 + 1), Owner: "0xa", Quantity: 1, QuantityLeft: 1, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	createLots(t, store, lots...)
	_ = store.View(context.Background(), func(v domain.LotView) error {
		page, err := v.ListLots(domain.LotQuery{Page: 2, Limit: 5})
		if err != nil {
			t.Fatalf("ListLots: %v", err)
		}
		if page.Total != 12 || len(page.Lots) != 5 || page.Lots[0].ID != 6 {
			t.Fatalf("unexpected page %+v", page)
		}
		filtered, err := v.ListLots(domain.LotQuery{Product: 1, Descending: true})
		if err != nil {
			t.Fatalf("ListLots product: %v", err)
		}
		if filtered.Total != 6 || filtered.Lots[0].ID != 12 {
			t.Fatalf("unexpected filtered page %+v", filtered)
		}
		return nil
	})
}

func TestDuplicateLotRejected(t *testing.T) {
	store := newTestStore(t)
	lot := domain.SupplyLot{ID: 1, Product: 7, Owner: "0xa", Quantity: 4, QuantityLeft: 4, CreatedAt: base}
	createLots(t, store, lot)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		_, err := tx.CreateLot(lot)
		return err
	})
	if err == nil {
		t.Fatalf("expected duplicate lot to fail")
	}
}

func TestQuantitiesBeyondColumnRangeAreInvalid(t *testing.T) {
	store := newTestStore(t)
	createLots(t, store, domain.SupplyLot{ID: 1, Product: 7, Owner: "0xa", Quantity: 5, QuantityLeft: 5, CreatedAt: base})

	huge := uint64(math.MaxInt64) + 1
	cases := map[string]func(domain.LotTransaction) error{
		"create": func(tx domain.LotTransaction) error {
			_, err := tx.CreateLot(domain.SupplyLot{ID: 2, Product: 7, Owner: "0xa", Quantity: huge, QuantityLeft: huge, CreatedAt: base})
			return err
		},
		"decrement": func(tx domain.LotTransaction) error {
			_, err := tx.DecrementLot(1, huge)
			return err
		},
		"restore": func(tx domain.LotTransaction) error {
			_, err := tx.RestoreLot(1, huge)
			return err
		},
	}
	for name, fn := range cases {
		_, err := store.RunInTransaction(context.Background(), fn)
		if !errors.Is(err, domain.ErrInvalidQuantity) {
			t.Fatalf("%s: expected ErrInvalidQuantity, got %v", name, err)
		}
	}
	err := store.View(context.Background(), func(v domain.LotView) error {
		lot, ok, err := v.FindLot(1)
		if err != nil || !ok || lot.QuantityLeft != 5 {
			t.Fatalf("lot changed: %+v %v %v", lot, ok, err)
		}
		if _, ok, _ := v.FindLot(2); ok {
			t.Fatal("oversized lot was stored")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
