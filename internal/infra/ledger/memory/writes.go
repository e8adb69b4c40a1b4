package memory

import (
	"context"
	"slices"

	"supplycore/pkg/domain"
)

// CreateCompany registers owner under name.
func (l *Ledger) CreateCompany(ctx context.Context, _ domain.Address, owner domain.Address, name string) error {
	return l.write(ctx, OpCreateCompany, func() error {
		if owner == "" || name == "" {
			return rejectf("company owner and name are required")
		}
		if _, exists := l.companies[owner]; exists {
			return rejectf("company %s already exists", owner)
		}
		l.companies[owner] = &domain.Company{Owner: owner, Name: name}
		l.order = append(l.order, owner)
		return nil
	})
}

// CreateProduct registers a product for spec.Owner, which must be a company.
// The submitting actor may be the owner itself or a network owner acting for
// it. Recipe prerequisites link the owner upstream to each prerequisite's
// producer.
func (l *Ledger) CreateProduct(ctx context.Context, actor domain.Address, spec domain.ProductSpec) error {
	return l.write(ctx, OpCreateProduct, func() error {
		if actor == "" {
			return rejectf("product registration needs an actor")
		}
		owner, err := l.company(spec.Owner)
		if err != nil {
			return err
		}
		if spec.ID == 0 {
			spec.ID = domain.ProductID(l.issueID())
		}
		if _, exists := l.products[spec.ID]; exists {
			return rejectf("product %d already exists", spec.ID)
		}
		for _, item := range spec.Recipe {
			if _, ok := l.products[item.Product]; !ok {
				return domain.NewNotFound(domain.EntityProduct, item.Product)
			}
			if item.Quantity == 0 {
				return rejectf("recipe quantity for product %d must be positive", item.Product)
			}
		}
		l.products[spec.ID] = domain.Product{ID: spec.ID, Name: spec.Name, Owner: spec.Owner}
		owner.Supply = append(owner.Supply, spec.ID)
		if len(spec.Recipe) == 0 {
			return nil
		}
		l.recipes[spec.ID] = domain.Recipe{Product: spec.ID, Items: slices.Clone(spec.Recipe)}
		for _, item := range spec.Recipe {
			supplier := l.companies[l.products[item.Product].Owner]
			if !slices.Contains(owner.Prerequisites, item.Product) {
				owner.Prerequisites = append(owner.Prerequisites, item.Product)
			}
			if supplier == nil || supplier.Owner == owner.Owner {
				continue
			}
			up := domain.CompanyProduct{Company: supplier.Owner, Product: item.Product}
			if !slices.Contains(owner.Upstream, up) {
				owner.Upstream = append(owner.Upstream, up)
			}
			down := domain.CompanyProduct{Company: owner.Owner, Product: item.Product}
			if !slices.Contains(supplier.Downstream, down) {
				supplier.Downstream = append(supplier.Downstream, down)
			}
		}
		return nil
	})
}

// SendRequest files a pending transfer request from actor to req.To.
func (l *Ledger) SendRequest(ctx context.Context, actor domain.Address, req domain.TransferRequest) error {
	return l.write(ctx, OpSendRequest, func() error {
		if req.From != actor {
			return rejectf("%s cannot send requests for %s", actor, req.From)
		}
		if req.Quantity == 0 {
			return rejectf("request quantity must be positive")
		}
		from, err := l.company(req.From)
		if err != nil {
			return err
		}
		to, err := l.company(req.To)
		if err != nil {
			return err
		}
		if p, ok := l.products[req.Product]; !ok || p.Owner != req.To {
			return rejectf("%s does not produce product %d", req.To, req.Product)
		}
		if req.ID == 0 {
			req.ID = l.issueID()
		}
		from.OutgoingRequests = append(from.OutgoingRequests, req)
		to.IncomingRequests = append(to.IncomingRequests, req)
		return nil
	})
}

func (l *Ledger) takeRequest(actor domain.Address, req domain.TransferRequest) (domain.TransferRequest, error) {
	to, err := l.company(actor)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	if req.To != actor {
		return domain.TransferRequest{}, rejectf("%s is not the recipient of request %d", actor, req.ID)
	}
	idx := slices.IndexFunc(to.IncomingRequests, func(r domain.TransferRequest) bool { return r.ID == req.ID })
	if idx < 0 {
		return domain.TransferRequest{}, domain.NewNotFound(domain.EntityRequest, req.ID)
	}
	pending := to.IncomingRequests[idx]
	to.IncomingRequests = slices.Delete(to.IncomingRequests, idx, idx+1)
	if from, ok := l.companies[pending.From]; ok {
		from.OutgoingRequests = slices.DeleteFunc(from.OutgoingRequests, func(r domain.TransferRequest) bool { return r.ID == req.ID })
	}
	return pending, nil
}

// ApproveRequest moves the drawn holdings from the supplier into a receipt lot
// held by the requester.
func (l *Ledger) ApproveRequest(ctx context.Context, actor domain.Address, transfer domain.Transfer) error {
	return l.write(ctx, OpApproveRequest, func() error {
		if _, err := l.company(actor); err != nil {
			return err
		}
		pending, err := l.peekRequest(actor, transfer.Request.ID)
		if err != nil {
			return err
		}
		if err := l.checkDraws(actor, transfer.Draws, func(p domain.ProductID) bool { return p == pending.Product }); err != nil {
			return err
		}
		if sumDraws(transfer.Draws) != pending.Quantity {
			return rejectf("draws total %d, request needs %d", sumDraws(transfer.Draws), pending.Quantity)
		}
		if err := l.reserveLot(transfer.Receipt); err != nil {
			return err
		}
		if _, err := l.takeRequest(actor, pending); err != nil {
			return err
		}
		l.applyDraws(actor, transfer.Draws)
		l.mintLot(transfer.Receipt, pending.Product, pending.From, pending.Quantity, transfer.Draws)
		l.requestEvents = append(l.requestEvents, l.requestEvent(pending, 0, domain.StateApproved))
		return nil
	})
}

func (l *Ledger) peekRequest(actor domain.Address, id uint64) (domain.TransferRequest, error) {
	to := l.companies[actor]
	idx := slices.IndexFunc(to.IncomingRequests, func(r domain.TransferRequest) bool { return r.ID == id })
	if idx < 0 {
		return domain.TransferRequest{}, domain.NewNotFound(domain.EntityRequest, id)
	}
	return to.IncomingRequests[idx], nil
}

// DeclineRequest resolves a pending request without moving stock.
func (l *Ledger) DeclineRequest(ctx context.Context, actor domain.Address, req domain.TransferRequest) error {
	return l.write(ctx, OpDeclineRequest, func() error {
		pending, err := l.takeRequest(actor, req)
		if err != nil {
			return err
		}
		l.requestEvents = append(l.requestEvents, l.requestEvent(pending, 0, domain.StateDeclined))
		return nil
	})
}

func (l *Ledger) requestEvent(req domain.TransferRequest, contract uint64, state domain.WorkflowState) domain.RequestEvent {
	return domain.RequestEvent{
		RequestID:  req.ID,
		ContractID: contract,
		From:       req.From,
		To:         req.To,
		Product:    req.Product,
		Quantity:   req.Quantity,
		State:      state,
		At:         l.nowFn(),
		Block:      l.block + 1,
	}
}

// SendContract proposes a standing agreement from actor to contract.To.
func (l *Ledger) SendContract(ctx context.Context, actor domain.Address, contract domain.Contract) error {
	return l.write(ctx, OpSendContract, func() error {
		if contract.From != actor {
			return rejectf("%s cannot send contracts for %s", actor, contract.From)
		}
		from, err := l.company(contract.From)
		if err != nil {
			return err
		}
		to, err := l.company(contract.To)
		if err != nil {
			return err
		}
		if contract.ID == 0 {
			contract.ID = l.issueID()
		}
		from.OutgoingContracts = append(from.OutgoingContracts, contract)
		to.IncomingContracts = append(to.IncomingContracts, contract)
		return nil
	})
}

func (l *Ledger) resolveContract(actor domain.Address, contract domain.Contract, state domain.WorkflowState) error {
	to, err := l.company(actor)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(to.IncomingContracts, func(c domain.Contract) bool { return c.ID == contract.ID })
	if idx < 0 {
		return domain.NewNotFound(domain.EntityRequest, contract.ID)
	}
	pending := to.IncomingContracts[idx]
	to.IncomingContracts = slices.Delete(to.IncomingContracts, idx, idx+1)
	if from, ok := l.companies[pending.From]; ok {
		from.OutgoingContracts = slices.DeleteFunc(from.OutgoingContracts, func(c domain.Contract) bool { return c.ID == contract.ID })
	}
	req := domain.TransferRequest{From: pending.From, To: pending.To, Product: pending.Product}
	l.requestEvents = append(l.requestEvents, l.requestEvent(req, pending.ID, state))
	return nil
}

func (l *Ledger) ApproveContract(ctx context.Context, actor domain.Address, contract domain.Contract) error {
	return l.write(ctx, OpApproveContract, func() error {
		return l.resolveContract(actor, contract, domain.StateApproved)
	})
}

func (l *Ledger) DeclineContract(ctx context.Context, actor domain.Address, contract domain.Contract) error {
	return l.write(ctx, OpDeclineContract, func() error {
		return l.resolveContract(actor, contract, domain.StateDeclined)
	})
}

// SendDeleteRequest asks every downstream consumer of product to approve its
// removal. Products nobody consumes are removed immediately.
func (l *Ledger) SendDeleteRequest(ctx context.Context, actor domain.Address, product domain.ProductID) error {
	return l.write(ctx, OpSendDeleteRequest, func() error {
		owner, err := l.company(actor)
		if err != nil {
			return err
		}
		if p, ok := l.products[product]; !ok || p.Owner != actor {
			return rejectf("%s does not own product %d", actor, product)
		}
		req := domain.DeleteRequest{ID: l.issueID(), Owner: actor, Product: product, Approvals: []domain.Address{}}
		consumers := l.consumers(owner, product)
		if len(consumers) == 0 {
			l.removeProduct(owner, product)
			return nil
		}
		owner.OutgoingDeleteRequests = append(owner.OutgoingDeleteRequests, req)
		for _, c := range consumers {
			c.IncomingDeleteRequests = append(c.IncomingDeleteRequests, req)
		}
		return nil
	})
}

func (l *Ledger) consumers(owner *domain.Company, product domain.ProductID) []*domain.Company {
	var out []*domain.Company
	for _, rel := range owner.Downstream {
		if rel.Product == product {
			if c, ok := l.companies[rel.Company]; ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// RespondDeleteRequest records actor's answer. The product is removed once
// every consumer has approved; a single decline rejects the request.
func (l *Ledger) RespondDeleteRequest(ctx context.Context, actor domain.Address, requestID uint64, product domain.ProductID, ownerAddr domain.Address, approve bool) error {
	return l.write(ctx, OpRespondDeleteRequest, func() error {
		responder, err := l.company(actor)
		if err != nil {
			return err
		}
		owner, err := l.company(ownerAddr)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(responder.IncomingDeleteRequests, func(r domain.DeleteRequest) bool { return r.ID == requestID && r.Product == product })
		if idx < 0 {
			return domain.NewNotFound(domain.EntityRequest, requestID)
		}
		responder.IncomingDeleteRequests = slices.Delete(responder.IncomingDeleteRequests, idx, idx+1)
		outIdx := slices.IndexFunc(owner.OutgoingDeleteRequests, func(r domain.DeleteRequest) bool { return r.ID == requestID })
		if outIdx < 0 {
			return domain.NewNotFound(domain.EntityRequest, requestID)
		}
		req := &owner.OutgoingDeleteRequests[outIdx]
		state := domain.StateDeclined
		if approve {
			state = domain.StateApproved
			req.Approvals = append(req.Approvals, actor)
		} else {
			req.Rejected = true
		}
		l.deleteEvents = append(l.deleteEvents, domain.DeleteRequestEvent{
			RequestID: requestID,
			Owner:     ownerAddr,
			Responder: actor,
			Product:   product,
			State:     state,
			At:        l.nowFn(),
			Block:     l.block + 1,
		})
		if !req.Rejected && len(req.Approvals) >= len(l.consumers(owner, product)) {
			owner.OutgoingDeleteRequests = slices.Delete(owner.OutgoingDeleteRequests, outIdx, outIdx+1)
			l.removeProduct(owner, product)
		}
		return nil
	})
}

func (l *Ledger) removeProduct(owner *domain.Company, product domain.ProductID) {
	owner.Supply = slices.DeleteFunc(owner.Supply, func(p domain.ProductID) bool { return p == product })
	owner.Downstream = slices.DeleteFunc(owner.Downstream, func(rel domain.CompanyProduct) bool { return rel.Product == product })
	for _, c := range l.companies {
		c.Upstream = slices.DeleteFunc(c.Upstream, func(rel domain.CompanyProduct) bool {
			return rel.Company == owner.Owner && rel.Product == product
		})
	}
}

// ConvertToSupply mints a raw lot of a product actor produces.
func (l *Ledger) ConvertToSupply(ctx context.Context, actor domain.Address, conv domain.Conversion) error {
	return l.write(ctx, OpConvertToSupply, func() error {
		if _, err := l.company(actor); err != nil {
			return err
		}
		if p, ok := l.products[conv.Product]; !ok || p.Owner != actor {
			return rejectf("%s does not produce product %d", actor, conv.Product)
		}
		if conv.Quantity == 0 {
			return rejectf("conversion quantity must be positive")
		}
		if err := l.reserveLot(conv.Lot); err != nil {
			return err
		}
		l.mintLot(conv.Lot, conv.Product, actor, conv.Quantity, nil)
		return nil
	})
}

// ConvertPrerequisiteToSupply consumes received prerequisite holdings and mints
// the manufactured lot. Every drawn product must appear in the product's
// recipe tree.
func (l *Ledger) ConvertPrerequisiteToSupply(ctx context.Context, actor domain.Address, conv domain.Conversion) error {
	return l.write(ctx, OpConvertPrerequisite, func() error {
		if _, err := l.company(actor); err != nil {
			return err
		}
		if p, ok := l.products[conv.Product]; !ok || p.Owner != actor {
			return rejectf("%s does not produce product %d", actor, conv.Product)
		}
		if _, ok := l.recipes[conv.Product]; !ok {
			return rejectf("product %d has no recipe", conv.Product)
		}
		if conv.Quantity == 0 || len(conv.Draws) == 0 {
			return rejectf("conversion needs a quantity and prerequisite draws")
		}
		inputs := l.recipeTree(conv.Product)
		if err := l.checkDraws(actor, conv.Draws, func(p domain.ProductID) bool { return inputs[p] }); err != nil {
			return err
		}
		if err := l.reserveLot(conv.Lot); err != nil {
			return err
		}
		l.applyDraws(actor, conv.Draws)
		l.mintLot(conv.Lot, conv.Product, actor, conv.Quantity, conv.Draws)
		return nil
	})
}

func (l *Ledger) recipeTree(product domain.ProductID) map[domain.ProductID]bool {
	seen := map[domain.ProductID]bool{}
	stack := []domain.ProductID{product}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, item := range l.recipes[current].Items {
			if !seen[item.Product] {
				seen[item.Product] = true
				stack = append(stack, item.Product)
			}
		}
	}
	return seen
}

func (l *Ledger) checkDraws(holder domain.Address, draws []domain.LotDraw, allowed func(domain.ProductID) bool) error {
	need := map[holdingKey]uint64{}
	for _, d := range draws {
		rec, ok := l.lots[d.Lot]
		if !ok {
			return domain.NewNotFound(domain.EntityLot, d.Lot)
		}
		if rec.product != d.Product || !allowed(d.Product) {
			return rejectf("lot %d cannot serve product %d", d.Lot, d.Product)
		}
		if d.Quantity == 0 {
			return rejectf("draw from lot %d is empty", d.Lot)
		}
		key := holdingKey{lot: d.Lot, holder: holder}
		need[key] += d.Quantity
		if l.holdings[key] < need[key] {
			return rejectf("%s holds %d of lot %d, draw needs %d", holder, l.holdings[key], d.Lot, need[key])
		}
	}
	return nil
}

func (l *Ledger) applyDraws(holder domain.Address, draws []domain.LotDraw) {
	for _, d := range draws {
		l.holdings[holdingKey{lot: d.Lot, holder: holder}] -= d.Quantity
	}
}

func (l *Ledger) reserveLot(id domain.LotID) error {
	if id == 0 {
		return rejectf("lot id is required")
	}
	if _, exists := l.lots[id]; exists {
		return rejectf("lot %d already exists", id)
	}
	return nil
}

func (l *Ledger) mintLot(id domain.LotID, product domain.ProductID, holder domain.Address, qty uint64, draws []domain.LotDraw) {
	l.lots[id] = lotRecord{product: product, origin: holder}
	l.holdings[holdingKey{lot: id, holder: holder}] = qty
	var parents []domain.LotID
	for _, d := range draws {
		if !slices.Contains(parents, d.Lot) {
			parents = append(parents, d.Lot)
		}
	}
	l.ancestry[id] = parents
}

func sumDraws(draws []domain.LotDraw) uint64 {
	var total uint64
	for _, d := range draws {
		total += d.Quantity
	}
	return total
}
