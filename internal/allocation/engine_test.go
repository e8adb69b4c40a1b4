package allocation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledgermem "supplycore/internal/infra/ledger/memory"
	lotmem "supplycore/internal/infra/persistence/memory"
	"supplycore/pkg/domain"
)

const (
	steelWorks = domain.Address("0xb1")
	boltShop   = domain.Address("0xc1")
	frameMaker = domain.Address("0xa1")

	steel domain.ProductID = 1
	bolts domain.ProductID = 2
	frame domain.ProductID = 3
	bike  domain.ProductID = 4
)

type env struct {
	t      *testing.T
	ledger *ledgermem.Ledger
	store  *lotmem.Store
	engine *Engine

	mu    sync.Mutex
	clock time.Time
	ids   atomic.Uint64
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	e := &env{t: t, ledger: ledgermem.New(), store: lotmem.NewStore(nil), clock: time.Unix(1_700_000_000, 0).UTC()}
	e.seedNetwork()
	e.engine = e.newEngine(e.ledger, e.store, opts...)
	return e
}

func (e *env) newEngine(ledger domain.Ledger, store domain.LotStore, opts ...Option) *Engine {
	e.t.Helper()
	base := []Option{WithClock(e.tick), WithLotIDs(e.nextLot)}
	engine, err := New(ledger, store, append(base, opts...)...)
	require.NoError(e.t, err)
	return engine
}

func (e *env) tick() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = e.clock.Add(time.Second)
	return e.clock
}

func (e *env) nextLot() domain.LotID { return domain.LotID(e.ids.Add(1)) }

func (e *env) seedNetwork() {
	ctx := context.Background()
	for owner, name := range map[domain.Address]string{steelWorks: "Steel Works", boltShop: "Bolt Shop", frameMaker: "Frame Maker"} {
		require.NoError(e.t, e.ledger.CreateCompany(ctx, owner, owner, name))
	}
	specs := []domain.ProductSpec{
		{ID: steel, Name: "Steel", Owner: steelWorks},
		{ID: bolts, Name: "Bolts", Owner: boltShop},
		{ID: frame, Name: "Frame", Owner: frameMaker, Recipe: []domain.RecipeItem{{Product: steel, Quantity: 2}, {Product: bolts, Quantity: 1}}},
		{ID: bike, Name: "Bike", Owner: frameMaker, Recipe: []domain.RecipeItem{{Product: frame, Quantity: 1}}},
	}
	for _, spec := range specs {
		require.NoError(e.t, e.ledger.CreateProduct(ctx, spec.Owner, spec))
	}
}

func (e *env) convert(owner domain.Address, product domain.ProductID, qty uint64) domain.SupplyLot {
	e.t.Helper()
	lot, err := e.engine.ConvertToSupply(context.Background(), owner, product, qty)
	require.NoError(e.t, err)
	return lot
}

func (e *env) request(from, to domain.Address, product domain.ProductID, qty uint64) domain.TransferRequest {
	e.t.Helper()
	ctx := context.Background()
	require.NoError(e.t, e.ledger.SendRequest(ctx, from, domain.TransferRequest{From: from, To: to, Product: product, Quantity: qty}))
	company, err := e.ledger.Company(ctx, to)
	require.NoError(e.t, err)
	require.NotEmpty(e.t, company.IncomingRequests)
	return company.IncomingRequests[len(company.IncomingRequests)-1]
}

func (e *env) deliver(from, to domain.Address, product domain.ProductID, qty uint64) Plan {
	e.t.Helper()
	plan, err := e.engine.ApproveTransfer(context.Background(), e.request(to, from, product, qty))
	require.NoError(e.t, err)
	return plan
}

func (e *env) lot(id domain.LotID) domain.SupplyLot {
	e.t.Helper()
	var lot domain.SupplyLot
	require.NoError(e.t, e.store.View(context.Background(), func(v domain.LotView) error {
		var ok bool
		var err error
		lot, ok, err = v.FindLot(id)
		if err == nil && !ok {
			err = domain.NewNotFound(domain.EntityLot, id)
		}
		return err
	}))
	return lot
}

func (e *env) left(ids ...domain.LotID) []uint64 {
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.lot(id).QuantityLeft)
	}
	return out
}

func TestApproveTransferDrawsOldestLotsFirst(t *testing.T) {
	e := newEnv(t)
	first := e.convert(steelWorks, steel, 5)
	second := e.convert(steelWorks, steel, 3)

	plan := e.deliver(steelWorks, frameMaker, steel, 6)

	assert.Equal(t, []domain.LotDraw{
		{Lot: first.ID, Product: steel, Quantity: 5},
		{Lot: second.ID, Product: steel, Quantity: 1},
	}, plan.Draws())
	assert.Equal(t, uint64(6), plan.Drawn(steel))
	assert.Equal(t, []uint64{0, 2}, e.left(first.ID, second.ID))

	receipt := e.lot(plan.Output)
	assert.Equal(t, frameMaker, receipt.Owner)
	assert.Equal(t, uint64(6), receipt.Quantity)
	assert.Equal(t, uint64(6), receipt.QuantityLeft)

	totals, err := e.ledger.Supply(context.Background(), steel, steelWorks)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), totals.Total)

	past, err := e.ledger.PastSupply(context.Background(), plan.Output)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.LotID{first.ID, second.ID}, past)
}

func TestTimestampTiesBreakByLotID(t *testing.T) {
	e := newEnv(t)
	at := time.Unix(1_700_000_500, 0).UTC()
	e.engine.now = func() time.Time { return at }
	a := e.convert(steelWorks, steel, 2)
	b := e.convert(steelWorks, steel, 2)
	require.Less(t, a.ID, b.ID)

	plan, err := e.engine.Plan(context.Background(), Request{Product: steel, Quantity: 3, Requester: steelWorks})
	require.NoError(t, err)
	assert.Equal(t, []domain.LotDraw{{Lot: a.ID, Product: steel, Quantity: 2}, {Lot: b.ID, Product: steel, Quantity: 1}}, plan.Draws())
	assert.Equal(t, []uint64{2, 2}, e.left(a.ID, b.ID), "planning must not touch lots")
}

func TestManufactureMultipliesRecipeRatios(t *testing.T) {
	e := newEnv(t)
	e.convert(steelWorks, steel, 10)
	e.convert(boltShop, bolts, 5)
	steelIn := e.deliver(steelWorks, frameMaker, steel, 8)
	boltsIn := e.deliver(boltShop, frameMaker, bolts, 4)

	plan, lot, err := e.engine.Manufacture(context.Background(), Request{Product: frame, Quantity: 3, Requester: frameMaker})
	require.NoError(t, err)

	assert.Equal(t, uint64(6), plan.Drawn(steel))
	assert.Equal(t, uint64(3), plan.Drawn(bolts))
	require.Len(t, plan.Legs, 2)
	assert.Equal(t, "Steel", plan.Legs[0].Name)
	assert.Equal(t, "Bolts", plan.Legs[1].Name)
	assert.Equal(t, []uint64{2, 1}, e.left(steelIn.Output, boltsIn.Output))

	assert.Equal(t, frame, lot.Product)
	assert.Equal(t, frameMaker, lot.Owner)
	assert.Equal(t, uint64(3), lot.Quantity)
	assert.Equal(t, uint64(3), lot.QuantityLeft)
	assert.Equal(t, plan.Output, lot.ID)

	totals, err := e.ledger.Supply(context.Background(), frame, frameMaker)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), totals.Total)
}

func TestManufactureFailsAtomicallyOnShortPrerequisite(t *testing.T) {
	e := newEnv(t)
	e.convert(steelWorks, steel, 10)
	e.convert(boltShop, bolts, 5)
	steelIn := e.deliver(steelWorks, frameMaker, steel, 8)
	boltsIn := e.deliver(boltShop, frameMaker, bolts, 2)

	_, _, err := e.engine.Manufacture(context.Background(), Request{Product: frame, Quantity: 3, Requester: frameMaker})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.True(t, domain.Retryable(err))

	var alloc *domain.AllocationError
	require.ErrorAs(t, err, &alloc)
	assert.Equal(t, bolts, alloc.Product)
	assert.Contains(t, err.Error(), "Bolts's supply is less than request")
	assert.Equal(t, []uint64{8, 2}, e.left(steelIn.Output, boltsIn.Output))
}

func TestManufactureExpandsSubassembliesWithoutStock(t *testing.T) {
	e := newEnv(t)
	e.convert(steelWorks, steel, 10)
	e.convert(boltShop, bolts, 5)
	e.deliver(steelWorks, frameMaker, steel, 10)
	e.deliver(boltShop, frameMaker, bolts, 5)

	plan, lot, err := e.engine.Manufacture(context.Background(), Request{Product: bike, Quantity: 2, Requester: frameMaker})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), plan.Drawn(steel))
	assert.Equal(t, uint64(2), plan.Drawn(bolts))
	assert.Zero(t, plan.Drawn(frame))
	assert.Equal(t, bike, lot.Product)
}

type cyclicLedger struct {
	*ledgermem.Ledger
	recipes map[domain.ProductID][]domain.RecipeItem
}

func (c cyclicLedger) Recipe(_ context.Context, id domain.ProductID) (domain.Recipe, error) {
	items, ok := c.recipes[id]
	if !ok {
		return domain.Recipe{}, domain.NewNotFound(domain.EntityRecipe, id)
	}
	return domain.Recipe{Product: id, Items: items}, nil
}

func TestRecipeCycleIsRejectedBeforeLotsAreRead(t *testing.T) {
	e := newEnv(t)
	first := e.convert(steelWorks, steel, 4)
	ledger := cyclicLedger{Ledger: e.ledger, recipes: map[domain.ProductID][]domain.RecipeItem{
		frame: {{Product: steel, Quantity: 1}, {Product: bike, Quantity: 1}},
		bike:  {{Product: frame, Quantity: 1}},
	}}
	engine := e.newEngine(ledger, e.store)

	_, err := engine.Plan(context.Background(), Request{Product: frame, Quantity: 1, Requester: frameMaker, Manufacture: true})
	require.ErrorIs(t, err, domain.ErrRecipeCycle)
	var alloc *domain.AllocationError
	require.ErrorAs(t, err, &alloc)
	assert.Equal(t, []domain.ProductID{frame, bike, frame}, alloc.Path)
	assert.Equal(t, "recipe cycle through 3 -> 4 -> 3", err.Error())

	_, _, err = engine.Manufacture(context.Background(), Request{Product: frame, Quantity: 1, Requester: frameMaker})
	assert.ErrorIs(t, err, domain.ErrRecipeCycle)
	assert.Equal(t, []uint64{4}, e.left(first.ID))
}

func TestManufactureRequiresRecipeAndOwnership(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.engine.Manufacture(context.Background(), Request{Product: steel, Quantity: 1, Requester: steelWorks})
	assert.ErrorIs(t, err, domain.ErrNotManufacturable)

	_, _, err = e.engine.Manufacture(context.Background(), Request{Product: frame, Quantity: 1, Requester: steelWorks})
	assert.ErrorIs(t, err, domain.ErrNotPermitted)

	_, _, err = e.engine.Manufacture(context.Background(), Request{Product: frame, Quantity: 0, Requester: frameMaker})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, _, err = e.engine.Manufacture(context.Background(), Request{Product: 99, Quantity: 1, Requester: frameMaker})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedgerFailureRestoresLots(t *testing.T) {
	e := newEnv(t)
	first := e.convert(steelWorks, steel, 5)
	second := e.convert(steelWorks, steel, 3)
	req := e.request(frameMaker, steelWorks, steel, 6)

	e.ledger.FailNext(ledgermem.OpApproveRequest, errors.New("ledger unavailable"))
	_, err := e.engine.ApproveTransfer(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrLedgerWriteFailure)
	assert.True(t, domain.Retryable(err))
	assert.ErrorContains(t, err, "ledger unavailable")
	assert.Equal(t, []uint64{5, 3}, e.left(first.ID, second.ID))

	page, err := e.listLots(frameMaker)
	require.NoError(t, err)
	assert.Zero(t, page.Total, "no receipt lot after a failed approval")

	plan, err := e.engine.ApproveTransfer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), plan.Drawn(steel))
}

func (e *env) listLots(owner domain.Address) (domain.LotPage, error) {
	var page domain.LotPage
	err := e.store.View(context.Background(), func(v domain.LotView) error {
		var err error
		page, err = v.ListLots(domain.LotQuery{Owner: owner})
		return err
	})
	return page, err
}

func TestLedgerStockWithoutLocalLotsIsMismatch(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.ledger.ConvertToSupply(context.Background(), steelWorks, domain.Conversion{Product: steel, Quantity: 7, Lot: 500}))

	_, err := e.engine.Plan(context.Background(), Request{Product: steel, Quantity: 2, Requester: steelWorks})
	require.ErrorIs(t, err, domain.ErrLedgerMismatch)
	assert.False(t, domain.Retryable(err))

	var alloc *domain.AllocationError
	require.ErrorAs(t, err, &alloc)
	assert.Equal(t, uint64(7), alloc.Available)
	assert.Zero(t, alloc.Need)
}

func TestInsufficientLedgerTotal(t *testing.T) {
	e := newEnv(t)
	e.convert(steelWorks, steel, 2)

	_, err := e.engine.ApproveTransfer(context.Background(), e.request(frameMaker, steelWorks, steel, 3))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.EqualError(t, err, "Steel's supply is less than request (need 3, have 2)")
}

type racingStore struct {
	*lotmem.Store
	armed atomic.Bool
	lot   domain.LotID
	take  uint64
}

func (r *racingStore) RunInTransaction(ctx context.Context, fn func(domain.LotTransaction) error) (domain.Result, error) {
	if r.armed.CompareAndSwap(true, false) {
		if _, err := r.Store.RunInTransaction(ctx, func(tx domain.LotTransaction) error {
			_, err := tx.DecrementLot(r.lot, r.take)
			return err
		}); err != nil {
			return domain.Result{}, err
		}
	}
	return r.Store.RunInTransaction(ctx, fn)
}

func TestContentionRebuildsPlan(t *testing.T) {
	e := newEnv(t)
	first := e.convert(steelWorks, steel, 5)
	second := e.convert(steelWorks, steel, 5)

	racing := &racingStore{Store: e.store, lot: first.ID, take: 3}
	engine := e.newEngine(e.ledger, racing, WithContentionRetries(2))
	racing.armed.Store(true)

	plan, err := engine.ApproveTransfer(context.Background(), e.request(frameMaker, steelWorks, steel, 4))
	require.NoError(t, err)
	assert.Equal(t, []domain.LotDraw{
		{Lot: first.ID, Product: steel, Quantity: 2},
		{Lot: second.ID, Product: steel, Quantity: 2},
	}, plan.Draws())
	assert.Equal(t, []uint64{0, 3}, e.left(first.ID, second.ID))
}

func TestContentionWithoutRetriesSurfaces(t *testing.T) {
	e := newEnv(t)
	first := e.convert(steelWorks, steel, 5)

	racing := &racingStore{Store: e.store, lot: first.ID, take: 3}
	engine := e.newEngine(e.ledger, racing, WithContentionRetries(0))
	racing.armed.Store(true)

	_, err := engine.ApproveTransfer(context.Background(), e.request(frameMaker, steelWorks, steel, 4))
	require.ErrorIs(t, err, domain.ErrLotContention)
	assert.True(t, domain.Retryable(err))
	assert.Equal(t, []uint64{2}, e.left(first.ID))
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	e := newEnv(t)
	var lots []domain.LotID
	for range 3 {
		lots = append(lots, e.convert(steelWorks, steel, 10).ID)
	}
	reqs := make([]domain.TransferRequest, 10)
	for i := range reqs {
		reqs[i] = e.request(frameMaker, steelWorks, steel, 3)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.engine.ApproveTransfer(context.Background(), req)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{0, 0, 0}, e.left(lots...))
	totals, err := e.ledger.Supply(context.Background(), steel, steelWorks)
	require.NoError(t, err)
	assert.Zero(t, totals.Total)

	received, err := e.ledger.PrerequisiteSupply(context.Background(), steel, frameMaker)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), received.Total)
}

func TestCanceledContextTouchesNothing(t *testing.T) {
	e := newEnv(t)
	first := e.convert(steelWorks, steel, 5)
	req := e.request(frameMaker, steelWorks, steel, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.engine.ApproveTransfer(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []uint64{5}, e.left(first.ID))
}

func TestConvertToSupplyRequiresOwner(t *testing.T) {
	e := newEnv(t)
	_, err := e.engine.ConvertToSupply(context.Background(), boltShop, steel, 1)
	assert.ErrorIs(t, err, domain.ErrNotPermitted)

	e.ledger.FailNext(ledgermem.OpConvertToSupply, errors.New("offline"))
	_, err = e.engine.ConvertToSupply(context.Background(), steelWorks, steel, 1)
	assert.ErrorIs(t, err, domain.ErrLedgerWriteFailure)

	page, err := e.listLots(steelWorks)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestNewLotIDFitsInFiftyThreeBits(t *testing.T) {
	seen := map[domain.LotID]bool{}
	for range 1000 {
		id := NewLotID()
		require.NotZero(t, id)
		require.LessOrEqual(t, uint64(id), uint64(lotIDMask))
		seen[id] = true
	}
	assert.Len(t, seen, 1000)
}

func TestLockSetOrdersAndReleases(t *testing.T) {
	locks := newLockSet()
	release, err := locks.acquire(context.Background(), 3, 1, 3, 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	again, err := locks.acquire(context.Background(), 1, 2, 3)
	require.NoError(t, err)
	again()
}
