package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"supplycore/internal/history"
	"supplycore/internal/infra/directory"
	ledgermem "supplycore/internal/infra/ledger/memory"
	"supplycore/internal/infra/persistence/memory"
	"supplycore/pkg/domain"
)

const (
	admin  = domain.Address("0x01")
	mill   = domain.Address("0xa1")
	bakery = domain.Address("0xb2")
	stray  = domain.Address("0xc3")

	grain domain.ProductID = 1
	bread domain.ProductID = 2
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (r *recordingAudit) Record(_ context.Context, entry AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recordingAudit) last() AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

type recordingSink struct {
	receipts []Receipt
	err      error
}

func (r *recordingSink) StoreReceipt(_ context.Context, receipt Receipt) error {
	r.receipts = append(r.receipts, receipt)
	return r.err
}

type fixture struct {
	svc     *Service
	ledger  *ledgermem.Ledger
	store   *memory.Store
	dir     *directory.Static
	audit   *recordingAudit
	sink    *recordingSink
	tracer  *JSONTraceTracer
	metrics *ExpvarMetricsRecorder
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  ledgermem.New(),
		store:   memory.NewStore(NewDefaultRulesEngine()),
		dir:     directory.NewStatic(domain.Account{Address: admin, Username: "admin", IsOwner: true}),
		audit:   &recordingAudit{},
		sink:    &recordingSink{},
		tracer:  NewJSONTracer(nil),
		metrics: NewExpvarMetricsRecorder(""),
	}
	var next uint64 = 100
	svc, err := NewService(f.ledger, f.store,
		WithDirectory(f.dir),
		WithAuditRecorder(f.audit),
		WithReceiptSink(f.sink),
		WithTracer(f.tracer),
		WithMetricsRecorder(f.metrics),
		WithClock(ClockFunc(func() time.Time { return fixedNow })),
		WithRequestIDs(func() uint64 { next++; return next }),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

// seed registers a mill selling grain and a bakery baking bread from two
// units of grain each.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, reg := range []CompanyRegistration{
		{Owner: mill, Name: "Mill", Username: "miller"},
		{Owner: bakery, Name: "Bakery"},
		{Owner: stray, Name: "Stray"},
	} {
		if _, err := f.svc.CreateCompany(ctx, admin, reg); err != nil {
			t.Fatalf("create company %s: %v", reg.Owner, err)
		}
	}
	specs := []domain.ProductSpec{
		{ID: grain, Name: "Grain", Owner: mill},
		{ID: bread, Name: "Bread", Owner: bakery, Recipe: []domain.RecipeItem{{Product: grain, Quantity: 2}}},
	}
	for _, spec := range specs {
		if _, err := f.svc.CreateProduct(ctx, admin, spec); err != nil {
			t.Fatalf("create product %d: %v", spec.ID, err)
		}
	}
}

func TestServiceRequiresLedgerAndStore(t *testing.T) {
	if _, err := NewService(nil, memory.NewStore(nil)); err == nil {
		t.Fatalf("expected error for nil ledger")
	}
	if _, err := NewService(ledgermem.New(), nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestCreateCompanyRequiresNetworkOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateCompany(ctx, mill, CompanyRegistration{Owner: mill, Name: "Mill"})
	if !errors.Is(err, domain.ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted, got %v", err)
	}
	entry := f.audit.last()
	if entry.Status != AuditStatusError || entry.Operation != OpCreateCompany || entry.Actor != mill {
		t.Fatalf("unexpected audit entry %+v", entry)
	}

	c, err := f.svc.CreateCompany(ctx, admin, CompanyRegistration{Owner: mill, Name: "Mill", Username: "miller"})
	if err != nil {
		t.Fatalf("create company: %v", err)
	}
	if c.Owner != mill || c.Name != "Mill" {
		t.Fatalf("unexpected company %+v", c)
	}
	acc, ok, _ := f.dir.Lookup(ctx, mill)
	if !ok || acc.Username != "miller" || acc.IsOwner {
		t.Fatalf("expected registered non-owner account, got %+v (ok=%v)", acc, ok)
	}
	if _, err := f.svc.CreateProduct(ctx, mill, domain.ProductSpec{Name: "Grain", Owner: mill}); !errors.Is(err, domain.ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted for product, got %v", err)
	}
}

func TestCreateCompanyWithoutDirectoryIsRejected(t *testing.T) {
	svc, err := NewService(ledgermem.New(), memory.NewStore(nil))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, err = svc.CreateCompany(context.Background(), admin, CompanyRegistration{Owner: mill, Name: "Mill"})
	if !errors.Is(err, domain.ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted, got %v", err)
	}
}

func TestCreateProductAssignsID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.CreateCompany(ctx, admin, CompanyRegistration{Owner: mill, Name: "Mill"}); err != nil {
		t.Fatalf("create company: %v", err)
	}
	p, err := f.svc.CreateProduct(ctx, admin, domain.ProductSpec{Name: "Grain", Owner: mill})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if p.ID != 101 || p.Owner != mill || p.Name != "Grain" {
		t.Fatalf("unexpected product %+v", p)
	}
	if entry := f.audit.last(); entry.EntityID != "101" || entry.Entity != domain.EntityProduct {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
}

func TestTransferAndManufactureFlow(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	raw, err := f.svc.ConvertToSupply(ctx, mill, grain, 10)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if raw.Quantity != 10 || raw.QuantityLeft != 10 || raw.Owner != mill {
		t.Fatalf("unexpected raw lot %+v", raw)
	}

	req, err := f.svc.SendRequest(ctx, bakery, mill, grain, 6)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	if req.ID == 0 || req.From != bakery || req.To != mill {
		t.Fatalf("unexpected request %+v", req)
	}

	plan, err := f.svc.ApproveRequest(ctx, mill, req.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	draws := plan.Draws()
	if len(draws) != 1 || draws[0].Lot != raw.ID || draws[0].Quantity != 6 {
		t.Fatalf("unexpected draws %+v", draws)
	}

	supply, err := f.svc.ProductSupply(ctx, grain, bakery)
	if err != nil {
		t.Fatalf("product supply: %v", err)
	}
	if supply.Prerequisite.Total != 6 || supply.LocalLeft != 6 || len(supply.Lots) != 1 || supply.Lots[0].ID != plan.Output {
		t.Fatalf("unexpected bakery grain supply %+v", supply)
	}

	mplan, lot, err := f.svc.Manufacture(ctx, bakery, bread, 3)
	if err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	if lot.Product != bread || lot.Quantity != 3 || mplan.Drawn(grain) != 6 {
		t.Fatalf("unexpected manufacture result lot=%+v plan=%+v", lot, mplan)
	}

	if got := len(f.sink.receipts); got != 3 {
		t.Fatalf("expected 3 receipts, got %d", got)
	}
	kinds := []ReceiptKind{ReceiptConversion, ReceiptTransfer, ReceiptManufacture}
	for i, r := range f.sink.receipts {
		if r.Kind != kinds[i] {
			t.Fatalf("receipt %d: expected %s, got %s", i, kinds[i], r.Kind)
		}
		if !r.IssuedAt.Equal(fixedNow) {
			t.Fatalf("receipt %d: unexpected issue time %v", i, r.IssuedAt)
		}
	}
	if transfer := f.sink.receipts[1]; transfer.Request == nil || transfer.Request.ID != req.ID || transfer.Lot.Owner != bakery {
		t.Fatalf("unexpected transfer receipt %+v", transfer)
	}

	page, err := f.svc.ListSupplies(ctx, domain.LotQuery{})
	if err != nil {
		t.Fatalf("list supplies: %v", err)
	}
	if page.Total != 3 || len(page.Supplies) != 3 {
		t.Fatalf("expected 3 lots, got %+v", page)
	}
	for _, s := range page.Supplies {
		if s.ProductInfo.ID != s.Product || s.ProductInfo.Name == "" {
			t.Fatalf("supply %d not enriched: %+v", s.ID, s.ProductInfo)
		}
	}

	snap := f.metrics.Snapshot()
	if snap.Results[OpManufacture]["success"] != 1 || snap.Results[OpApproveRequest]["success"] != 1 {
		t.Fatalf("unexpected metrics %+v", snap.Results)
	}
	var ops []string
	for _, e := range f.tracer.Entries() {
		ops = append(ops, e.Operation)
	}
	if len(ops) == 0 || ops[len(ops)-1] != OpListSupplies {
		t.Fatalf("expected list_supplies to be traced last, got %v", ops)
	}
}

func TestReceiptSinkFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.sink.err = errors.New("bucket unavailable")
	if _, err := f.svc.ConvertToSupply(context.Background(), mill, grain, 4); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(f.sink.receipts) != 1 {
		t.Fatalf("expected the receipt to be offered once")
	}
}

func TestSendRequestValidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	cases := []struct {
		name     string
		supplier domain.Address
		qty      uint64
		want     error
	}{
		{name: "self", supplier: bakery, qty: 1, want: domain.ErrNotPermitted},
		{name: "no relationship", supplier: stray, qty: 1, want: domain.ErrNotPermitted},
		{name: "zero quantity", supplier: mill, qty: 0, want: domain.ErrInvalidQuantity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.SendRequest(ctx, bakery, tc.supplier, grain, tc.qty)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestApproveRequestInsufficientStockLeavesLotsUntouched(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	raw, err := f.svc.ConvertToSupply(ctx, mill, grain, 2)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	req, err := f.svc.SendRequest(ctx, bakery, mill, grain, 5)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	_, err = f.svc.ApproveRequest(ctx, mill, req.ID)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if !domain.Retryable(err) {
		t.Fatalf("insufficient stock should be retryable")
	}
	supply, err := f.svc.ProductSupply(ctx, grain, mill)
	if err != nil {
		t.Fatalf("product supply: %v", err)
	}
	if supply.LocalLeft != 2 || supply.Lots[0].ID != raw.ID {
		t.Fatalf("lots changed after failed approval: %+v", supply)
	}
}

func TestApproveUnknownRequest(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	if _, err := f.svc.ApproveRequest(context.Background(), mill, 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeclineRequestShowsInHistory(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	req, err := f.svc.SendRequest(ctx, bakery, mill, grain, 1)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	if err := f.svc.DeclineRequest(ctx, mill, req.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}
	entries, err := f.svc.Timeline(ctx, mill, history.Incoming, history.Past)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != req.ID || entries[0].State != domain.StateDeclined {
		t.Fatalf("unexpected timeline %+v", entries)
	}
	entry, err := f.svc.LookupRequest(ctx, bakery, history.Outgoing, req.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.Counterparty == nil || entry.Counterparty.Username != "miller" {
		t.Fatalf("expected the mill's account as counterparty, got %+v", entry.Counterparty)
	}
}

func TestContractLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	if _, err := f.svc.SendContract(ctx, bakery, bakery, grain); !errors.Is(err, domain.ErrNotPermitted) {
		t.Fatalf("expected self contract to be rejected, got %v", err)
	}
	contract, err := f.svc.SendContract(ctx, bakery, mill, grain)
	if err != nil {
		t.Fatalf("send contract: %v", err)
	}
	if err := f.svc.ApproveContract(ctx, mill, contract.ID); err != nil {
		t.Fatalf("approve contract: %v", err)
	}
	if err := f.svc.DeclineContract(ctx, mill, contract.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected resolved contract to be gone, got %v", err)
	}
	entries, err := f.svc.Timeline(ctx, bakery, history.Outgoing, history.Past)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(entries) != 1 || entries[0].ContractID != contract.ID || entries[0].State != domain.StateApproved {
		t.Fatalf("unexpected timeline %+v", entries)
	}
}

func TestDeleteRequestLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	if err := f.svc.SendDeleteRequest(ctx, bakery, grain); !errors.Is(err, domain.ErrNotPermitted) {
		t.Fatalf("expected non-owner delete to be rejected, got %v", err)
	}
	if err := f.svc.SendDeleteRequest(ctx, mill, grain); err != nil {
		t.Fatalf("send delete request: %v", err)
	}
	pending, err := f.svc.DeleteTimeline(ctx, bakery, history.Incoming, history.Current)
	if err != nil {
		t.Fatalf("delete timeline: %v", err)
	}
	if len(pending) != 1 || pending[0].State != domain.StatePending {
		t.Fatalf("unexpected pending delete requests %+v", pending)
	}
	if err := f.svc.RespondDeleteRequest(ctx, bakery, pending[0].RequestID, true); err != nil {
		t.Fatalf("respond: %v", err)
	}
	mc, err := f.ledger.Company(ctx, mill)
	if err != nil {
		t.Fatalf("company: %v", err)
	}
	if len(mc.Supply) != 0 {
		t.Fatalf("expected grain to be removed, supply=%v", mc.Supply)
	}
	past, err := f.svc.DeleteTimeline(ctx, mill, history.Outgoing, history.Past)
	if err != nil {
		t.Fatalf("delete timeline: %v", err)
	}
	if len(past) != 1 || past[0].State != domain.StateApproved || past[0].Responder != bakery {
		t.Fatalf("unexpected past delete requests %+v", past)
	}
}

func TestGraphsThroughService(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	g, err := f.svc.CompanyGraph(ctx, mill, 0)
	if err != nil {
		t.Fatalf("company graph: %v", err)
	}
	if len(g.Nodes) != 2 || len(g.Edges) != 1 || g.Edges[0].Label != "Grain" {
		t.Fatalf("unexpected company graph %+v", g)
	}

	network, err := f.svc.Network(ctx, nil, 0)
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	if len(network.Roots) != 2 {
		t.Fatalf("expected mill and stray as roots, got %v", network.Roots)
	}

	raw, err := f.svc.ConvertToSupply(ctx, mill, grain, 4)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	chain, err := f.svc.SupplyChain(ctx, raw.ID, 0)
	if err != nil {
		t.Fatalf("supply chain: %v", err)
	}
	if len(chain.Nodes) != 1 {
		t.Fatalf("raw lot should be a single node, got %d", len(chain.Nodes))
	}
	if _, err := f.svc.SupplyChain(ctx, raw.ID+1, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadOperationsAreNotAudited(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	before := len(f.audit.entries)
	if _, err := f.svc.ListSupplies(context.Background(), domain.LotQuery{}); err != nil {
		t.Fatalf("list supplies: %v", err)
	}
	if len(f.audit.entries) != before {
		t.Fatalf("read operation produced audit entries")
	}
	if f.metrics.Snapshot().Results[OpListSupplies]["success"] != 1 {
		t.Fatalf("read operation was not measured")
	}
}
