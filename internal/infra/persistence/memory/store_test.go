package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"supplycore/pkg/domain"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, lots ...SupplyLot) {
	t.Helper()
	_, err := s.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		for _, lot := range lots {
			if _, err := tx.CreateLot(lot); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed lots: %v", err)
	}
}

func lot(id domain.LotID, product domain.ProductID, qty uint64, offset time.Duration) SupplyLot {
	return SupplyLot{ID: id, Product: product, Owner: "0xa", Quantity: qty, QuantityLeft: qty, CreatedAt: epoch.Add(offset)}
}

func TestListLotsByProductOrdersByTimestampThenID(t *testing.T) {
	s := NewStore(nil)
	seed(t, s,
		lot(30, 1, 5, 2*time.Hour),
		lot(20, 1, 5, time.Hour),
		lot(10, 1, 5, time.Hour),
		lot(40, 2, 5, 0),
	)
	err := s.View(context.Background(), func(v domain.LotView) error {
		lots, err := v.ListLotsByProduct(1, "")
		if err != nil {
			return err
		}
		var ids []domain.LotID
		for _, l := range lots {
			ids = append(ids, l.ID)
		}
		if len(ids) != 3 || ids[0] != 10 || ids[1] != 20 || ids[2] != 30 {
			t.Fatalf("unexpected order %v", ids)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestDecrementLotIsConditional(t *testing.T) {
	s := NewStore(nil)
	seed(t, s, lot(1, 1, 4, 0))
	_, err := s.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		_, err := tx.DecrementLot(1, 5)
		return err
	})
	if !errors.Is(err, domain.ErrLotContention) {
		t.Fatalf("expected lot contention, got %v", err)
	}
	got := s.ExportLots()[0]
	if got.QuantityLeft != 4 {
		t.Fatalf("failed decrement must not change state, got %d", got.QuantityLeft)
	}
}

func TestFailedTransactionDiscardsEarlierWrites(t *testing.T) {
	s := NewStore(nil)
	seed(t, s, lot(1, 1, 4, 0), lot(2, 1, 1, time.Minute))
	_, err := s.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		if _, err := tx.DecrementLot(1, 4); err != nil {
			return err
		}
		_, err := tx.DecrementLot(2, 2)
		return err
	})
	if !errors.Is(err, domain.ErrLotContention) {
		t.Fatalf("expected contention on second lot, got %v", err)
	}
	for _, l := range s.ExportLots() {
		if l.QuantityLeft != l.Quantity {
			t.Fatalf("lot %d modified by aborted transaction", l.ID)
		}
	}
}

func TestRestoreLotBounded(t *testing.T) {
	s := NewStore(nil)
	seed(t, s, lot(1, 1, 4, 0))
	_, err := s.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		if _, err := tx.DecrementLot(1, 3); err != nil {
			return err
		}
		_, err := tx.RestoreLot(1, 2)
		return err
	})
	if err != nil {
		t.Fatalf("decrement+restore: %v", err)
	}
	if got := s.ExportLots()[0].QuantityLeft; got != 3 {
		t.Fatalf("expected 3 left, got %d", got)
	}
	_, err = s.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		_, err := tx.RestoreLot(1, 2)
		return err
	})
	if !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("expected restore past quantity to fail, got %v", err)
	}
}

func TestCreateLotValidation(t *testing.T) {
	s := NewStore(nil)
	s.SetNowFunc(func() time.Time { return epoch })
	seed(t, s, SupplyLot{ID: 9, Product: 1, Owner: " 0xABC ", Quantity: 2, QuantityLeft: 2})
	got := s.ExportLots()[0]
	if !got.CreatedAt.Equal(epoch) || got.Owner != "0xabc" {
		t.Fatalf("expected stamped and normalized lot, got %+v", got)
	}
	cases := []SupplyLot{
		{ID: 0, Product: 1, Quantity: 1},
		{ID: 9, Product: 1, Quantity: 1},
		{ID: 10, Product: 1, Quantity: 0},
	}
	for _, c := range cases {
		_, err := s.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
			_, err := tx.CreateLot(c)
			return err
		})
		if err == nil {
			t.Fatalf("expected create of %+v to fail", c)
		}
	}
}

type blockNegativeRule struct{}

func (blockNegativeRule) Name() string { return "block_all_updates" }

func (blockNegativeRule) Evaluate(_ context.Context, _ domain.LotView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, c := range changes {
		if c.Action == domain.ActionUpdate {
			res.Violations = append(res.Violations, domain.Violation{Rule: "block_all_updates", Severity: domain.SeverityBlock, Entity: domain.EntityLot})
		}
	}
	return res, nil
}

func TestBlockingRulePreventsCommit(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockNegativeRule{})
	s := NewStore(engine)
	seed(t, s, lot(1, 1, 4, 0))
	res, err := s.RunInTransaction(context.Background(), func(tx domain.LotTransaction) error {
		_, err := tx.DecrementLot(1, 1)
		return err
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) || !res.HasBlocking() {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if s.ExportLots()[0].QuantityLeft != 4 {
		t.Fatalf("blocked transaction must not commit")
	}
}

func TestListLotsPaging(t *testing.T) {
	s := NewStore(nil)
	var lots []SupplyLot
	for i := 1; i <= 25; i++ {
		lots = append(lots, lot(domain.LotID(i), 1, 1, time.Duration(i)*time.Minute))
	}
	s.ImportLots(lots)
	err := s.View(context.Background(), func(v domain.LotView) error {
		page, err := v.ListLots(domain.LotQuery{Page: 3, Limit: 10, Descending: true})
		if err != nil {
			return err
		}
		if page.Total != 25 || len(page.Lots) != 5 || page.Lots[0].ID != 5 {
			t.Fatalf("unexpected page %+v", page)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCanceledContextSkipsTransaction(t *testing.T) {
	s := NewStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := s.RunInTransaction(ctx, func(domain.LotTransaction) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected canceled transaction to be skipped, got %v", err)
	}
}
