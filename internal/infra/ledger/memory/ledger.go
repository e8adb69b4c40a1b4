// Package memory implements an in-process ledger with the same observable
// behaviour as the external contract. It backs tests, local development and
// the NATS gateway started by `supplycore ledger serve`.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"supplycore/pkg/domain"
)

var _ domain.Ledger = (*Ledger)(nil)

// Write operation names accepted by FailNext.
const (
	OpCreateCompany        = "create_company"
	OpCreateProduct        = "create_product"
	OpSendRequest          = "send_request"
	OpApproveRequest       = "approve_request"
	OpDeclineRequest       = "decline_request"
	OpSendContract         = "send_contract"
	OpApproveContract      = "approve_contract"
	OpDeclineContract      = "decline_contract"
	OpSendDeleteRequest    = "send_delete_request"
	OpRespondDeleteRequest = "respond_delete_request"
	OpConvertToSupply      = "convert_to_supply"
	OpConvertPrerequisite  = "convert_prerequisite_to_supply"
)

// ErrRejected is wrapped by every write the ledger refuses.
var ErrRejected = errors.New("ledger rejected transaction")

type holdingKey struct {
	lot    domain.LotID
	holder domain.Address
}

type lotRecord struct {
	product domain.ProductID
	origin  domain.Address
}

// Ledger is a mutex-guarded simulation of the supply-chain contract.
type Ledger struct {
	mu            sync.RWMutex
	companies     map[domain.Address]*domain.Company
	order         []domain.Address
	products      map[domain.ProductID]domain.Product
	recipes       map[domain.ProductID]domain.Recipe
	lots          map[domain.LotID]lotRecord
	holdings      map[holdingKey]uint64
	ancestry      map[domain.LotID][]domain.LotID
	requestEvents []domain.RequestEvent
	deleteEvents  []domain.DeleteRequestEvent
	nextID        uint64
	block         uint64
	failures      map[string]error
	nowFn         func() time.Time
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		companies: make(map[domain.Address]*domain.Company),
		products:  make(map[domain.ProductID]domain.Product),
		recipes:   make(map[domain.ProductID]domain.Recipe),
		lots:      make(map[domain.LotID]lotRecord),
		holdings:  make(map[holdingKey]uint64),
		ancestry:  make(map[domain.LotID][]domain.LotID),
		failures:  make(map[string]error),
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for event timestamps.
func (l *Ledger) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFn = fn
}

// FailNext makes the next write named op fail with err without applying it.
func (l *Ledger) FailNext(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = err
}

// Block returns the number of writes applied so far.
func (l *Ledger) Block() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.block
}

// write runs fn under the write lock after consuming any injected failure.
func (l *Ledger) write(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.failures[op]; ok {
		delete(l.failures, op)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	l.block++
	return nil
}

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

func (l *Ledger) company(addr domain.Address) (*domain.Company, error) {
	c, ok := l.companies[addr]
	if !ok {
		return nil, domain.NewNotFound(domain.EntityCompany, addr)
	}
	return c, nil
}

func (l *Ledger) issueID() uint64 {
	l.nextID++
	return l.nextID
}

// Company returns a copy of the company record.
func (l *Ledger) Company(ctx context.Context, addr domain.Address) (domain.Company, error) {
	if err := ctx.Err(); err != nil {
		return domain.Company{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, err := l.company(addr)
	if err != nil {
		return domain.Company{}, err
	}
	return cloneCompany(*c), nil
}

// HeadCompanies returns companies without upstream neighbours in registration order.
func (l *Ledger) HeadCompanies(ctx context.Context) ([]domain.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	heads := []domain.Address{}
	for _, addr := range l.order {
		if len(l.companies[addr].Upstream) == 0 {
			heads = append(heads, addr)
		}
	}
	return heads, nil
}

func (l *Ledger) Product(ctx context.Context, id domain.ProductID) (domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return domain.Product{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.products[id]
	if !ok {
		return domain.Product{}, domain.NewNotFound(domain.EntityProduct, id)
	}
	return p, nil
}

func (l *Ledger) Recipe(ctx context.Context, id domain.ProductID) (domain.Recipe, error) {
	if err := ctx.Err(); err != nil {
		return domain.Recipe{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.recipes[id]
	if !ok {
		return domain.Recipe{}, domain.NewNotFound(domain.EntityRecipe, id)
	}
	return domain.Recipe{Product: r.Product, Items: slices.Clone(r.Items)}, nil
}

// Supply reports holder's stock of a product it produces itself.
func (l *Ledger) Supply(ctx context.Context, product domain.ProductID, holder domain.Address) (domain.SupplyTotals, error) {
	return l.totals(ctx, product, holder, true)
}

// PrerequisiteSupply reports holder's stock of a product received from another company.
func (l *Ledger) PrerequisiteSupply(ctx context.Context, product domain.ProductID, holder domain.Address) (domain.SupplyTotals, error) {
	return l.totals(ctx, product, holder, false)
}

func (l *Ledger) totals(ctx context.Context, product domain.ProductID, holder domain.Address, own bool) (domain.SupplyTotals, error) {
	if err := ctx.Err(); err != nil {
		return domain.SupplyTotals{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.products[product]
	if !ok {
		return domain.SupplyTotals{}, domain.NewNotFound(domain.EntityProduct, product)
	}
	if (p.Owner == holder) != own {
		return domain.SupplyTotals{Holdings: []domain.LotHolding{}}, nil
	}
	out := domain.SupplyTotals{Exists: true, Holdings: []domain.LotHolding{}}
	for key, qty := range l.holdings {
		if key.holder != holder || qty == 0 || l.lots[key.lot].product != product {
			continue
		}
		out.Total += qty
		out.Holdings = append(out.Holdings, domain.LotHolding{Lot: key.lot, Quantity: qty})
	}
	slices.SortFunc(out.Holdings, func(a, b domain.LotHolding) int {
		return compareLot(a.Lot, b.Lot)
	})
	return out, nil
}

func compareLot(a, b domain.LotID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (l *Ledger) PastSupply(ctx context.Context, lot domain.LotID) ([]domain.LotID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.lots[lot]; !ok {
		return nil, domain.NewNotFound(domain.EntityLot, lot)
	}
	return append([]domain.LotID{}, l.ancestry[lot]...), nil
}

func (l *Ledger) RequestEvents(ctx context.Context, filter domain.EventFilter) ([]domain.RequestEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []domain.RequestEvent{}
	for _, ev := range l.requestEvents {
		if filter.MatchRequest(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *Ledger) DeleteRequestEvents(ctx context.Context, filter domain.EventFilter) ([]domain.DeleteRequestEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []domain.DeleteRequestEvent{}
	for _, ev := range l.deleteEvents {
		if filter.MatchDelete(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func cloneCompany(c domain.Company) domain.Company {
	c.Supply = slices.Clone(c.Supply)
	c.Prerequisites = slices.Clone(c.Prerequisites)
	c.Upstream = slices.Clone(c.Upstream)
	c.Downstream = slices.Clone(c.Downstream)
	c.IncomingRequests = slices.Clone(c.IncomingRequests)
	c.OutgoingRequests = slices.Clone(c.OutgoingRequests)
	c.IncomingContracts = slices.Clone(c.IncomingContracts)
	c.OutgoingContracts = slices.Clone(c.OutgoingContracts)
	c.IncomingDeleteRequests = slices.Clone(c.IncomingDeleteRequests)
	c.OutgoingDeleteRequests = slices.Clone(c.OutgoingDeleteRequests)
	for i := range c.IncomingDeleteRequests {
		c.IncomingDeleteRequests[i].Approvals = slices.Clone(c.IncomingDeleteRequests[i].Approvals)
	}
	for i := range c.OutgoingDeleteRequests {
		c.OutgoingDeleteRequests[i].Approvals = slices.Clone(c.OutgoingDeleteRequests[i].Approvals)
	}
	return c
}
