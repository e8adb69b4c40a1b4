// Package memory provides an in-memory implementation of the lot store used
// for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"supplycore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.LotStore = (*Store)(nil)

type (
	// SupplyLot aliases domain.SupplyLot for in-memory persistence operations.
	SupplyLot = domain.SupplyLot
	// LotID aliases domain.LotID.
	LotID = domain.LotID
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
)

// Store provides an in-memory transactional store for supply lots. Writers are
// serialized; readers share the lock.
type Store struct {
	mu     sync.RWMutex
	lots   map[LotID]SupplyLot
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		lots:   make(map[LotID]SupplyLot),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used to stamp lots created without a timestamp.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// RulesEngine exposes the configured engine so callers can register rules.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// ExportLots returns every lot ordered oldest first.
func (s *Store) ExportLots() []SupplyLot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotView{lots: s.lots}.all()
}

// ImportLots replaces the store contents.
func (s *Store) ImportLots(lots []SupplyLot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots = make(map[LotID]SupplyLot, len(lots))
	for _, lot := range lots {
		s.lots[lot.ID] = lot
	}
}

// RunInTransaction executes fn against a copy-on-write overlay of the store and
// commits the overlay when fn succeeds and no blocking rule fires.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.LotTransaction) error) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		base:  s.lots,
		dirty: make(map[LotID]SupplyLot),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil && len(tx.changes) > 0 {
		res, err := s.engine.Evaluate(ctx, tx, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	for id, lot := range tx.dirty {
		s.lots[id] = lot
	}
	return result, nil
}

// View executes fn against a read-only view of the store state.
func (s *Store) View(ctx context.Context, fn func(domain.LotView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(snapshotView{lots: s.lots})
}

type snapshotView struct {
	lots map[LotID]SupplyLot
}

func (v snapshotView) all() []SupplyLot {
	out := make([]SupplyLot, 0, len(v.lots))
	for _, lot := range v.lots {
		out = append(out, lot)
	}
	domain.SortLots(out, false)
	return out
}

func (v snapshotView) FindLot(id LotID) (SupplyLot, bool, error) {
	lot, ok := v.lots[id]
	return lot, ok, nil
}

func (v snapshotView) ListLotsByProduct(product domain.ProductID, owner domain.Address) ([]SupplyLot, error) {
	return filterByProduct(v.all(), product, owner), nil
}

func (v snapshotView) ListLots(q domain.LotQuery) (domain.LotPage, error) {
	return domain.PageLots(v.all(), q), nil
}

type transaction struct {
	base    map[LotID]SupplyLot
	dirty   map[LotID]SupplyLot
	changes []Change
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) lookup(id LotID) (SupplyLot, bool) {
	if lot, ok := tx.dirty[id]; ok {
		return lot, true
	}
	lot, ok := tx.base[id]
	return lot, ok
}

func (tx *transaction) all() []SupplyLot {
	out := make([]SupplyLot, 0, len(tx.base)+len(tx.dirty))
	for id, lot := range tx.base {
		if _, ok := tx.dirty[id]; !ok {
			out = append(out, lot)
		}
	}
	for _, lot := range tx.dirty {
		out = append(out, lot)
	}
	domain.SortLots(out, false)
	return out
}

func (tx *transaction) FindLot(id LotID) (SupplyLot, bool, error) {
	lot, ok := tx.lookup(id)
	return lot, ok, nil
}

func (tx *transaction) ListLotsByProduct(product domain.ProductID, owner domain.Address) ([]SupplyLot, error) {
	return filterByProduct(tx.all(), product, owner), nil
}

func (tx *transaction) ListLots(q domain.LotQuery) (domain.LotPage, error) {
	return domain.PageLots(tx.all(), q), nil
}

// CreateLot inserts a new lot. Lots without a timestamp are stamped with the
// transaction clock.
func (tx *transaction) CreateLot(lot SupplyLot) (SupplyLot, error) {
	if lot.ID == 0 {
		return SupplyLot{}, fmt.Errorf("create lot: id is required")
	}
	if _, exists := tx.lookup(lot.ID); exists {
		return SupplyLot{}, fmt.Errorf("create lot %d: %w", lot.ID, domain.ErrLotExists)
	}
	if lot.Quantity == 0 {
		return SupplyLot{}, fmt.Errorf("create lot %d: %w", lot.ID, domain.ErrInvalidQuantity)
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = tx.now
	}
	lot.Owner = domain.NormalizeAddress(string(lot.Owner))
	tx.dirty[lot.ID] = lot
	tx.recordChange(Change{Entity: domain.EntityLot, Action: domain.ActionCreate, After: lot})
	return lot, nil
}

// DecrementLot lowers the remaining quantity only when enough remains.
func (tx *transaction) DecrementLot(id LotID, delta uint64) (SupplyLot, error) {
	current, ok := tx.lookup(id)
	if !ok {
		return SupplyLot{}, domain.NewNotFound(domain.EntityLot, id)
	}
	if delta == 0 {
		return SupplyLot{}, fmt.Errorf("decrement lot %d: %w", id, domain.ErrInvalidQuantity)
	}
	if current.QuantityLeft < delta {
		return SupplyLot{}, fmt.Errorf("lot %d holds %d, need %d: %w", id, current.QuantityLeft, delta, domain.ErrLotContention)
	}
	updated := current
	updated.QuantityLeft -= delta
	tx.dirty[id] = updated
	tx.recordChange(Change{Entity: domain.EntityLot, Action: domain.ActionUpdate, Before: current, After: updated})
	return updated, nil
}

// RestoreLot adds delta back to a lot without exceeding its original quantity.
func (tx *transaction) RestoreLot(id LotID, delta uint64) (SupplyLot, error) {
	current, ok := tx.lookup(id)
	if !ok {
		return SupplyLot{}, domain.NewNotFound(domain.EntityLot, id)
	}
	if delta == 0 || current.QuantityLeft+delta > current.Quantity {
		return SupplyLot{}, fmt.Errorf("restore %d onto lot %d (%d/%d): %w", delta, id, current.QuantityLeft, current.Quantity, domain.ErrInvalidQuantity)
	}
	updated := current
	updated.QuantityLeft += delta
	tx.dirty[id] = updated
	tx.recordChange(Change{Entity: domain.EntityLot, Action: domain.ActionRestore, Before: current, After: updated})
	return updated, nil
}

func filterByProduct(lots []SupplyLot, product domain.ProductID, owner domain.Address) []SupplyLot {
	out := make([]SupplyLot, 0, len(lots))
	for _, lot := range lots {
		if lot.Product != product {
			continue
		}
		if owner != "" && lot.Owner != owner {
			continue
		}
		out = append(out, lot)
	}
	return out
}
