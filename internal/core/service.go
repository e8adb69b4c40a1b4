// Package core wires the allocation engine, graph builder and history reader
// behind a single Service with audit, metrics and tracing on every call.
package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"supplycore/internal/allocation"
	"supplycore/internal/graph"
	"supplycore/internal/history"
	"supplycore/pkg/domain"
)

// Operation names used for audit entries, metrics and spans.
const (
	OpApproveRequest       = "approve_request"
	OpDeclineRequest       = "decline_request"
	OpSendRequest          = "send_request"
	OpManufacture          = "manufacture"
	OpConvertToSupply      = "convert_to_supply"
	OpPlanAllocation       = "plan_allocation"
	OpSendContract         = "send_contract"
	OpApproveContract      = "approve_contract"
	OpDeclineContract      = "decline_contract"
	OpSendDeleteRequest    = "send_delete_request"
	OpRespondDeleteRequest = "respond_delete_request"
	OpCreateCompany        = "create_company"
	OpCreateProduct        = "create_product"
	OpCompanyGraph         = "company_graph"
	OpNetwork              = "network_graph"
	OpSupplyChain          = "supply_chain"
	OpTimeline             = "timeline"
	OpLookupRequest        = "lookup_request"
	OpDeleteTimeline       = "delete_timeline"
	OpListSupplies         = "list_supplies"
	OpProductSupply        = "product_supply"
)

// ReceiptKind names the operation that produced a receipt.
type ReceiptKind string

const (
	ReceiptTransfer    ReceiptKind = "transfer"
	ReceiptManufacture ReceiptKind = "manufacture"
	ReceiptConversion  ReceiptKind = "conversion"
)

// Receipt documents a committed allocation. Lot is the lot the ledger minted.
type Receipt struct {
	Kind     ReceiptKind             `json:"kind"`
	Actor    domain.Address          `json:"actor"`
	Request  *domain.TransferRequest `json:"request,omitempty"`
	Plan     *allocation.Plan        `json:"plan,omitempty"`
	Lot      domain.SupplyLot        `json:"lot"`
	IssuedAt time.Time               `json:"issued_at"`
}

// ReceiptSink stores receipts after the ledger write has landed. Failures are
// logged and never undo the operation.
type ReceiptSink interface {
	StoreReceipt(ctx context.Context, receipt Receipt) error
}

// AccountRegistrar is implemented by directories that accept new accounts.
type AccountRegistrar interface {
	Put(acc domain.Account)
}

// Service is the entry point for routing layers and the CLI.
type Service struct {
	ledger    domain.Ledger
	store     domain.LotStore
	directory domain.AccountDirectory

	engine  *allocation.Engine
	graphs  *graph.Builder
	history *history.Reader

	logger     Logger
	audit      AuditRecorder
	metrics    MetricsRecorder
	tracer     Tracer
	clock      Clock
	receipts   ReceiptSink
	requestIDs func() uint64

	allocOpts []allocation.Option
	graphOpts []graph.Option
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger shared by the service and its components.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithAuditRecorder(rec AuditRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.audit = rec
		}
	}
}

func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock sets the clock used for audit entries and receipts.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithReceiptSink(sink ReceiptSink) Option {
	return func(s *Service) { s.receipts = sink }
}

// WithDirectory sets the account directory used for enrichment and for the
// network-owner check.
func WithDirectory(dir domain.AccountDirectory) Option {
	return func(s *Service) { s.directory = dir }
}

// WithRequestIDs overrides how request and contract ids are issued.
func WithRequestIDs(next func() uint64) Option {
	return func(s *Service) {
		if next != nil {
			s.requestIDs = next
		}
	}
}

// WithAllocationOptions forwards options to the allocation engine.
func WithAllocationOptions(opts ...allocation.Option) Option {
	return func(s *Service) { s.allocOpts = append(s.allocOpts, opts...) }
}

// WithGraphOptions forwards options to the graph builder.
func WithGraphOptions(opts ...graph.Option) Option {
	return func(s *Service) { s.graphOpts = append(s.graphOpts, opts...) }
}

// NewService builds a Service over the ledger and lot store.
func NewService(ledger domain.Ledger, store domain.LotStore, opts ...Option) (*Service, error) {
	s := &Service{
		ledger:     ledger,
		store:      store,
		logger:     noopLogger{},
		audit:      noopAudit{},
		metrics:    noopMetrics{},
		tracer:     noopTracer{},
		clock:      ClockFunc(func() time.Time { return time.Now().UTC() }),
		requestIDs: func() uint64 { return uint64(allocation.NewLotID()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	var err error
	allocOpts := append([]allocation.Option{allocation.WithLogger(s.logger)}, s.allocOpts...)
	if s.engine, err = allocation.New(ledger, store, allocOpts...); err != nil {
		return nil, err
	}
	graphOpts := append([]graph.Option{graph.WithLogger(s.logger)}, s.graphOpts...)
	if s.graphs, err = graph.New(ledger, store, s.directory, graphOpts...); err != nil {
		return nil, err
	}
	if s.history, err = history.New(ledger, s.directory, history.WithLogger(s.logger)); err != nil {
		return nil, err
	}
	return s, nil
}

// Ledger returns the ledger the service writes to.
func (s *Service) Ledger() domain.Ledger { return s.ledger }

// Store returns the lot store.
func (s *Service) Store() domain.LotStore { return s.store }

func formatID[T ~uint64](id T) string { return strconv.FormatUint(uint64(id), 10) }

func (s *Service) storeReceipt(ctx context.Context, r Receipt) {
	if s.receipts == nil {
		return
	}
	r.IssuedAt = s.clock.Now()
	if err := s.receipts.StoreReceipt(context.WithoutCancel(ctx), r); err != nil {
		s.logger.Error("store receipt failed", "kind", r.Kind, "lot", r.Lot.ID, "error", err)
	}
}

func (s *Service) company(ctx context.Context, addr domain.Address) (domain.Company, error) {
	c, err := s.ledger.Company(ctx, addr)
	if err != nil {
		return domain.Company{}, fmt.Errorf("company %s: %w", addr, err)
	}
	return c, nil
}

// ApproveRequest fills the actor's incoming request from its own lots and
// approves it on the ledger.
func (s *Service) ApproveRequest(ctx context.Context, actor domain.Address, requestID uint64) (plan allocation.Plan, err error) {
	o, ctx := s.begin(ctx, OpApproveRequest, actor)
	o.entityID = strconv.FormatUint(requestID, 10)
	defer func() { o.end(err) }()

	c, err := s.company(ctx, actor)
	if err != nil {
		return allocation.Plan{}, err
	}
	idx := slices.IndexFunc(c.IncomingRequests, func(r domain.TransferRequest) bool { return r.ID == requestID })
	if idx < 0 {
		return allocation.Plan{}, domain.NewNotFound(domain.EntityRequest, requestID)
	}
	req := c.IncomingRequests[idx]
	plan, err = s.engine.ApproveTransfer(ctx, req)
	if err != nil {
		return plan, err
	}
	lot := domain.SupplyLot{
		ID: plan.Output, Product: req.Product, Owner: req.From,
		Quantity: req.Quantity, QuantityLeft: req.Quantity,
	}
	s.storeReceipt(ctx, Receipt{Kind: ReceiptTransfer, Actor: actor, Request: &req, Plan: &plan, Lot: lot})
	return plan, nil
}

// DeclineRequest resolves the actor's incoming request without moving stock.
func (s *Service) DeclineRequest(ctx context.Context, actor domain.Address, requestID uint64) (err error) {
	o, ctx := s.begin(ctx, OpDeclineRequest, actor)
	o.entityID = strconv.FormatUint(requestID, 10)
	defer func() { o.end(err) }()

	c, err := s.company(ctx, actor)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(c.IncomingRequests, func(r domain.TransferRequest) bool { return r.ID == requestID })
	if idx < 0 {
		return domain.NewNotFound(domain.EntityRequest, requestID)
	}
	return s.ledger.DeclineRequest(ctx, actor, c.IncomingRequests[idx])
}

// SendRequest asks supplier to ship quantity units of product to actor. The
// supplier must already supply actor with that product.
func (s *Service) SendRequest(ctx context.Context, actor, supplier domain.Address, product domain.ProductID, quantity uint64) (req domain.TransferRequest, err error) {
	o, ctx := s.begin(ctx, OpSendRequest, actor)
	defer func() { o.end(err) }()

	if quantity == 0 {
		return domain.TransferRequest{}, fmt.Errorf("send request: %w", domain.ErrInvalidQuantity)
	}
	if supplier == actor {
		return domain.TransferRequest{}, fmt.Errorf("%w: cannot send request to self", domain.ErrNotPermitted)
	}
	c, err := s.company(ctx, actor)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if !slices.ContainsFunc(c.Upstream, func(rel domain.CompanyProduct) bool { return rel.Company == supplier }) {
		return domain.TransferRequest{}, fmt.Errorf("%w: %s has no supply relationship with %s", domain.ErrNotPermitted, actor, supplier)
	}
	req = domain.TransferRequest{ID: s.requestIDs(), From: actor, To: supplier, Product: product, Quantity: quantity}
	o.entityID = strconv.FormatUint(req.ID, 10)
	if err := s.ledger.SendRequest(ctx, actor, req); err != nil {
		return domain.TransferRequest{}, err
	}
	return req, nil
}

// Manufacture turns the actor's prerequisite stock into quantity units of product.
func (s *Service) Manufacture(ctx context.Context, actor domain.Address, product domain.ProductID, quantity uint64) (plan allocation.Plan, lot domain.SupplyLot, err error) {
	o, ctx := s.begin(ctx, OpManufacture, actor)
	o.entityID = formatID(product)
	defer func() { o.end(err) }()

	plan, lot, err = s.engine.Manufacture(ctx, allocation.Request{Product: product, Quantity: quantity, Requester: actor, Manufacture: true})
	if err != nil {
		return plan, lot, err
	}
	o.entityID = formatID(lot.ID)
	s.storeReceipt(ctx, Receipt{Kind: ReceiptManufacture, Actor: actor, Plan: &plan, Lot: lot})
	return plan, lot, nil
}

// ConvertToSupply registers raw stock of a product the actor produces.
func (s *Service) ConvertToSupply(ctx context.Context, actor domain.Address, product domain.ProductID, quantity uint64) (lot domain.SupplyLot, err error) {
	o, ctx := s.begin(ctx, OpConvertToSupply, actor)
	o.entityID = formatID(product)
	defer func() { o.end(err) }()

	lot, err = s.engine.ConvertToSupply(ctx, actor, product, quantity)
	if err != nil {
		return lot, err
	}
	o.entityID = formatID(lot.ID)
	s.storeReceipt(ctx, Receipt{Kind: ReceiptConversion, Actor: actor, Lot: lot})
	return lot, nil
}

// PlanAllocation computes the lots an allocation would draw without
// committing anything.
func (s *Service) PlanAllocation(ctx context.Context, r allocation.Request) (plan allocation.Plan, err error) {
	o, ctx := s.begin(ctx, OpPlanAllocation, r.Requester)
	defer func() { o.end(err) }()
	return s.engine.Plan(ctx, r)
}

// SendContract proposes a standing supply agreement from actor to counterparty.
func (s *Service) SendContract(ctx context.Context, actor, counterparty domain.Address, product domain.ProductID) (contract domain.Contract, err error) {
	o, ctx := s.begin(ctx, OpSendContract, actor)
	defer func() { o.end(err) }()

	if counterparty == actor {
		return domain.Contract{}, fmt.Errorf("%w: cannot send contract to self", domain.ErrNotPermitted)
	}
	contract = domain.Contract{ID: s.requestIDs(), From: actor, To: counterparty, Product: product}
	o.entityID = strconv.FormatUint(contract.ID, 10)
	if err := s.ledger.SendContract(ctx, actor, contract); err != nil {
		return domain.Contract{}, err
	}
	return contract, nil
}

func (s *Service) incomingContract(ctx context.Context, actor domain.Address, id uint64) (domain.Contract, error) {
	c, err := s.company(ctx, actor)
	if err != nil {
		return domain.Contract{}, err
	}
	idx := slices.IndexFunc(c.IncomingContracts, func(k domain.Contract) bool { return k.ID == id })
	if idx < 0 {
		return domain.Contract{}, domain.NewNotFound(domain.EntityRequest, id)
	}
	return c.IncomingContracts[idx], nil
}

func (s *Service) ApproveContract(ctx context.Context, actor domain.Address, contractID uint64) (err error) {
	o, ctx := s.begin(ctx, OpApproveContract, actor)
	o.entityID = strconv.FormatUint(contractID, 10)
	defer func() { o.end(err) }()

	contract, err := s.incomingContract(ctx, actor, contractID)
	if err != nil {
		return err
	}
	return s.ledger.ApproveContract(ctx, actor, contract)
}

func (s *Service) DeclineContract(ctx context.Context, actor domain.Address, contractID uint64) (err error) {
	o, ctx := s.begin(ctx, OpDeclineContract, actor)
	o.entityID = strconv.FormatUint(contractID, 10)
	defer func() { o.end(err) }()

	contract, err := s.incomingContract(ctx, actor, contractID)
	if err != nil {
		return err
	}
	return s.ledger.DeclineContract(ctx, actor, contract)
}

// SendDeleteRequest asks the consumers of product to agree to its removal.
func (s *Service) SendDeleteRequest(ctx context.Context, actor domain.Address, product domain.ProductID) (err error) {
	o, ctx := s.begin(ctx, OpSendDeleteRequest, actor)
	o.entityID = formatID(product)
	defer func() { o.end(err) }()

	p, err := s.ledger.Product(ctx, product)
	if err != nil {
		return err
	}
	if p.Owner != actor {
		return fmt.Errorf("%w: %s does not own %s", domain.ErrNotPermitted, actor, p.Name)
	}
	return s.ledger.SendDeleteRequest(ctx, actor, product)
}

// RespondDeleteRequest approves or declines an incoming delete request.
func (s *Service) RespondDeleteRequest(ctx context.Context, actor domain.Address, requestID uint64, approve bool) (err error) {
	o, ctx := s.begin(ctx, OpRespondDeleteRequest, actor)
	o.entityID = strconv.FormatUint(requestID, 10)
	defer func() { o.end(err) }()

	c, err := s.company(ctx, actor)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(c.IncomingDeleteRequests, func(r domain.DeleteRequest) bool { return r.ID == requestID })
	if idx < 0 {
		return domain.NewNotFound(domain.EntityRequest, requestID)
	}
	req := c.IncomingDeleteRequests[idx]
	return s.ledger.RespondDeleteRequest(ctx, actor, req.ID, req.Product, req.Owner, approve)
}

// requireNetworkOwner fails unless the directory marks actor as a network owner.
func (s *Service) requireNetworkOwner(ctx context.Context, actor domain.Address) error {
	if s.directory == nil {
		return fmt.Errorf("%w: no account directory to verify %s", domain.ErrNotPermitted, actor)
	}
	acc, ok, err := s.directory.Lookup(ctx, actor)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", actor, err)
	}
	if !ok || !acc.IsOwner {
		return fmt.Errorf("%w: only network owners are allowed", domain.ErrNotPermitted)
	}
	return nil
}

// CompanyRegistration describes a company to add to the network. Username,
// when set, registers a directory account for the new owner.
type CompanyRegistration struct {
	Owner    domain.Address
	Name     string
	Username string
}

// CreateCompany registers a company. Only network owners may call it.
func (s *Service) CreateCompany(ctx context.Context, actor domain.Address, reg CompanyRegistration) (company domain.Company, err error) {
	o, ctx := s.begin(ctx, OpCreateCompany, actor)
	o.entityID = reg.Owner.String()
	defer func() { o.end(err) }()

	if err := s.requireNetworkOwner(ctx, actor); err != nil {
		return domain.Company{}, err
	}
	if reg.Owner == "" || reg.Name == "" {
		return domain.Company{}, errors.New("create company: owner and name are required")
	}
	if err := s.ledger.CreateCompany(ctx, actor, reg.Owner, reg.Name); err != nil {
		return domain.Company{}, err
	}
	if registrar, ok := s.directory.(AccountRegistrar); ok && reg.Username != "" {
		registrar.Put(domain.Account{Address: reg.Owner, Username: reg.Username, DisplayName: reg.Name})
	}
	return s.company(ctx, reg.Owner)
}

// CreateProduct registers a product for spec.Owner. Only network owners may
// call it.
func (s *Service) CreateProduct(ctx context.Context, actor domain.Address, spec domain.ProductSpec) (product domain.Product, err error) {
	o, ctx := s.begin(ctx, OpCreateProduct, actor)
	defer func() { o.end(err) }()

	if err := s.requireNetworkOwner(ctx, actor); err != nil {
		return domain.Product{}, err
	}
	if spec.Name == "" {
		return domain.Product{}, errors.New("create product: name is required")
	}
	if spec.ID == 0 {
		spec.ID = domain.ProductID(s.requestIDs())
	}
	o.entityID = formatID(spec.ID)
	if err := s.ledger.CreateProduct(ctx, actor, spec); err != nil {
		return domain.Product{}, err
	}
	return s.ledger.Product(ctx, spec.ID)
}

// CompanyGraph lays out the network reachable downstream of start.
func (s *Service) CompanyGraph(ctx context.Context, start domain.Address, xOrigin float64) (g graph.Graph, err error) {
	o, ctx := s.begin(ctx, OpCompanyGraph, "")
	o.entityID = start.String()
	defer func() { o.end(err) }()
	return s.graphs.CompanyGraph(ctx, start, xOrigin)
}

// Network lays out each root's network side by side. Empty roots start from
// the ledger's head companies.
func (s *Service) Network(ctx context.Context, roots []domain.Address, xOrigin float64) (g graph.Graph, err error) {
	o, ctx := s.begin(ctx, OpNetwork, "")
	defer func() { o.end(err) }()
	return s.graphs.Network(ctx, roots, xOrigin)
}

// SupplyChain lays out the provenance of a lot.
func (s *Service) SupplyChain(ctx context.Context, lot domain.LotID, xOrigin float64) (g graph.Graph, err error) {
	o, ctx := s.begin(ctx, OpSupplyChain, "")
	o.entityID = formatID(lot)
	defer func() { o.end(err) }()
	return s.graphs.SupplyChain(ctx, lot, xOrigin)
}

func (s *Service) Timeline(ctx context.Context, company domain.Address, dir history.Direction, span history.Span) (entries []history.Entry, err error) {
	o, ctx := s.begin(ctx, OpTimeline, company)
	defer func() { o.end(err) }()
	return s.history.Timeline(ctx, company, dir, span)
}

func (s *Service) LookupRequest(ctx context.Context, company domain.Address, dir history.Direction, requestID uint64) (entry history.Entry, err error) {
	o, ctx := s.begin(ctx, OpLookupRequest, company)
	o.entityID = strconv.FormatUint(requestID, 10)
	defer func() { o.end(err) }()
	return s.history.Lookup(ctx, company, dir, requestID)
}

func (s *Service) DeleteTimeline(ctx context.Context, company domain.Address, dir history.Direction, span history.Span) (entries []history.DeleteEntry, err error) {
	o, ctx := s.begin(ctx, OpDeleteTimeline, company)
	defer func() { o.end(err) }()
	return s.history.DeleteTimeline(ctx, company, dir, span)
}

// SupplyView is a lot enriched with its product.
type SupplyView struct {
	domain.SupplyLot
	ProductInfo domain.Product `json:"product"`
}

// SupplyPage is one page of enriched lots.
type SupplyPage struct {
	Supplies []SupplyView `json:"supplies"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	Limit    int          `json:"limit"`
}

// ListSupplies pages over local lots. Products that fail to resolve keep only
// their id.
func (s *Service) ListSupplies(ctx context.Context, q domain.LotQuery) (page SupplyPage, err error) {
	o, ctx := s.begin(ctx, OpListSupplies, q.Owner)
	defer func() { o.end(err) }()

	var lots domain.LotPage
	err = s.store.View(ctx, func(v domain.LotView) error {
		var err error
		lots, err = v.ListLots(q)
		return err
	})
	if err != nil {
		return SupplyPage{}, err
	}
	page = SupplyPage{Supplies: make([]SupplyView, 0, len(lots.Lots)), Total: lots.Total, Page: lots.Page, Limit: lots.Limit}
	products := map[domain.ProductID]domain.Product{}
	for _, lot := range lots.Lots {
		p, ok := products[lot.Product]
		if !ok {
			if p, err = s.ledger.Product(ctx, lot.Product); err != nil {
				s.logger.Debug("product lookup failed", "product", lot.Product, "error", err)
				p = domain.Product{ID: lot.Product}
			}
			products[lot.Product] = p
		}
		page.Supplies = append(page.Supplies, SupplyView{SupplyLot: lot, ProductInfo: p})
	}
	return page, nil
}

// ProductSupply combines the ledger's view of holder's stock of product with
// the local lots backing it.
type ProductSupply struct {
	Product      domain.Product      `json:"product"`
	Holder       domain.Address      `json:"holder"`
	Supply       domain.SupplyTotals `json:"supply"`
	Prerequisite domain.SupplyTotals `json:"prerequisite"`
	Lots         []domain.SupplyLot  `json:"lots"`
	LocalLeft    uint64              `json:"local_left"`
}

func (s *Service) ProductSupply(ctx context.Context, product domain.ProductID, holder domain.Address) (out ProductSupply, err error) {
	o, ctx := s.begin(ctx, OpProductSupply, holder)
	o.entityID = formatID(product)
	defer func() { o.end(err) }()

	p, err := s.ledger.Product(ctx, product)
	if err != nil {
		return ProductSupply{}, err
	}
	out = ProductSupply{Product: p, Holder: holder}
	if out.Supply, err = s.ledger.Supply(ctx, product, holder); err != nil {
		return ProductSupply{}, err
	}
	if out.Prerequisite, err = s.ledger.PrerequisiteSupply(ctx, product, holder); err != nil {
		return ProductSupply{}, err
	}
	err = s.store.View(ctx, func(v domain.LotView) error {
		lots, err := v.ListLotsByProduct(product, holder)
		out.Lots = lots
		return err
	})
	if err != nil {
		return ProductSupply{}, err
	}
	for _, lot := range out.Lots {
		out.LocalLeft += lot.QuantityLeft
	}
	return out, nil
}
