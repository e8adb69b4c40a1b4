package wire

import (
	"fmt"

	"supplycore/pkg/domain"
)

func decodeRelationships(field string, in []Relationship) ([]domain.CompanyProduct, error) {
	out := make([]domain.CompanyProduct, 0, len(in))
	for i, r := range in {
		id, err := ParseUint[domain.ProductID](fmt.Sprintf("%s[%d].productId", field, i), r.ProductID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.CompanyProduct{Company: addr(r.CompanyID), Product: id})
	}
	return out, nil
}

func encodeRelationships(in []domain.CompanyProduct) []Relationship {
	out := make([]Relationship, 0, len(in))
	for _, r := range in {
		out = append(out, Relationship{CompanyID: r.Company.String(), ProductID: Uint(r.Product)})
	}
	return out
}

// DecodeRequest normalizes a wire request.
func DecodeRequest(r Request) (domain.TransferRequest, error) {
	id, err := ParseUint[uint64]("request.id", r.ID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	product, err := ParseUint[domain.ProductID]("request.productId", r.ProductID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	qty, err := ParseUint[uint64]("request.quantity", r.Quantity)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	return domain.TransferRequest{ID: id, From: addr(r.From), To: addr(r.To), Product: product, Quantity: qty}, nil
}

// EncodeRequest converts a request to its wire shape.
func EncodeRequest(r domain.TransferRequest) Request {
	return Request{ID: Uint(r.ID), From: r.From.String(), To: r.To.String(), ProductID: Uint(r.Product), Quantity: Uint(r.Quantity)}
}

// DecodeContract normalizes a wire contract.
func DecodeContract(c Contract) (domain.Contract, error) {
	id, err := ParseUint[uint64]("contract.id", c.ID)
	if err != nil {
		return domain.Contract{}, err
	}
	product, err := ParseUint[domain.ProductID]("contract.productId", c.ProductID)
	if err != nil {
		return domain.Contract{}, err
	}
	return domain.Contract{ID: id, From: addr(c.From), To: addr(c.To), Product: product}, nil
}

// EncodeContract converts a contract to its wire shape.
func EncodeContract(c domain.Contract) Contract {
	return Contract{ID: Uint(c.ID), From: c.From.String(), To: c.To.String(), ProductID: Uint(c.Product)}
}

func decodeDeleteRequest(d DeleteRequest) (domain.DeleteRequest, error) {
	id, err := ParseUint[uint64]("deleteRequest.id", d.ID)
	if err != nil {
		return domain.DeleteRequest{}, err
	}
	product, err := ParseUint[domain.ProductID]("deleteRequest.productId", d.ProductID)
	if err != nil {
		return domain.DeleteRequest{}, err
	}
	out := domain.DeleteRequest{ID: id, Owner: addr(d.Owner), Product: product, Rejected: d.Rejected}
	for _, a := range d.Approvals {
		out.Approvals = append(out.Approvals, addr(a))
	}
	return out, nil
}

func encodeDeleteRequest(d domain.DeleteRequest) DeleteRequest {
	out := DeleteRequest{ID: Uint(d.ID), Owner: d.Owner.String(), ProductID: Uint(d.Product), Rejected: d.Rejected, Approvals: []string{}}
	for _, a := range d.Approvals {
		out.Approvals = append(out.Approvals, a.String())
	}
	return out
}

func decodeEach[W, D any](in []W, fn func(W) (D, error)) ([]D, error) {
	out := make([]D, 0, len(in))
	for _, w := range in {
		d, err := fn(w)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func encodeEach[D, W any](in []D, fn func(D) W) []W {
	out := make([]W, 0, len(in))
	for _, d := range in {
		out = append(out, fn(d))
	}
	return out
}

// DecodeCompany normalizes a wire company into its domain form.
func DecodeCompany(c Company) (domain.Company, error) {
	var (
		out = domain.Company{Owner: addr(c.Owner), Name: c.Name}
		err error
	)
	if out.Supply, err = parseList[domain.ProductID]("listOfSupply", c.ListOfSupply); err != nil {
		return domain.Company{}, err
	}
	if out.Prerequisites, err = parseList[domain.ProductID]("listOfPrerequisites", c.ListOfPrerequisites); err != nil {
		return domain.Company{}, err
	}
	if out.Upstream, err = decodeRelationships("upstream", c.Upstream); err != nil {
		return domain.Company{}, err
	}
	if out.Downstream, err = decodeRelationships("downstream", c.Downstream); err != nil {
		return domain.Company{}, err
	}
	if out.IncomingRequests, err = decodeEach(c.IncomingRequests, DecodeRequest); err != nil {
		return domain.Company{}, err
	}
	if out.OutgoingRequests, err = decodeEach(c.OutgoingRequests, DecodeRequest); err != nil {
		return domain.Company{}, err
	}
	if out.IncomingContracts, err = decodeEach(c.IncomingContract, DecodeContract); err != nil {
		return domain.Company{}, err
	}
	if out.OutgoingContracts, err = decodeEach(c.OutgoingContract, DecodeContract); err != nil {
		return domain.Company{}, err
	}
	if out.IncomingDeleteRequests, err = decodeEach(c.IncomingDeleteRequests, decodeDeleteRequest); err != nil {
		return domain.Company{}, err
	}
	if out.OutgoingDeleteRequests, err = decodeEach(c.OutgoingDeleteRequests, decodeDeleteRequest); err != nil {
		return domain.Company{}, err
	}
	return out, nil
}

// EncodeCompany converts a company to its wire shape.
func EncodeCompany(c domain.Company) Company {
	return Company{
		Owner:                  c.Owner.String(),
		Name:                   c.Name,
		ListOfSupply:           formatList(c.Supply),
		ListOfPrerequisites:    formatList(c.Prerequisites),
		Upstream:               encodeRelationships(c.Upstream),
		Downstream:             encodeRelationships(c.Downstream),
		IncomingRequests:       encodeEach(c.IncomingRequests, EncodeRequest),
		OutgoingRequests:       encodeEach(c.OutgoingRequests, EncodeRequest),
		IncomingContract:       encodeEach(c.IncomingContracts, EncodeContract),
		OutgoingContract:       encodeEach(c.OutgoingContracts, EncodeContract),
		IncomingDeleteRequests: encodeEach(c.IncomingDeleteRequests, encodeDeleteRequest),
		OutgoingDeleteRequests: encodeEach(c.OutgoingDeleteRequests, encodeDeleteRequest),
	}
}

// DecodeProduct normalizes a wire product.
func DecodeProduct(p Product) (domain.Product, error) {
	id, err := ParseUint[domain.ProductID]("productId", p.ProductID)
	if err != nil {
		return domain.Product{}, err
	}
	return domain.Product{ID: id, Name: p.ProductName, Owner: addr(p.Owner)}, nil
}

// EncodeProduct converts a product to its wire shape.
func EncodeProduct(p domain.Product) Product {
	return Product{ProductID: Uint(p.ID), ProductName: p.Name, Owner: p.Owner.String()}
}

func decodeItems(prereqs, quantities []string) ([]domain.RecipeItem, error) {
	if len(prereqs) != len(quantities) {
		return nil, fmt.Errorf("decode recipe: %d prerequisites but %d quantities", len(prereqs), len(quantities))
	}
	ids, err := parseList[domain.ProductID]("prerequisites", prereqs)
	if err != nil {
		return nil, err
	}
	qtys, err := parseList[uint64]("quantities", quantities)
	if err != nil {
		return nil, err
	}
	items := make([]domain.RecipeItem, 0, len(ids))
	for i := range ids {
		items = append(items, domain.RecipeItem{Product: ids[i], Quantity: qtys[i]})
	}
	return items, nil
}

func encodeItems(items []domain.RecipeItem) (prereqs, quantities []string) {
	prereqs, quantities = []string{}, []string{}
	for _, it := range items {
		prereqs = append(prereqs, Uint(it.Product))
		quantities = append(quantities, Uint(it.Quantity))
	}
	return prereqs, quantities
}

// DecodeRecipe normalizes the getRecipe tuple.
func DecodeRecipe(r Recipe) (domain.Recipe, error) {
	product, err := ParseUint[domain.ProductID]("supply", r.Supply)
	if err != nil {
		return domain.Recipe{}, err
	}
	items, err := decodeItems(r.Prerequisites, r.Quantities)
	if err != nil {
		return domain.Recipe{}, err
	}
	return domain.Recipe{Product: product, Items: items}, nil
}

// EncodeRecipe converts a recipe to the getRecipe tuple.
func EncodeRecipe(r domain.Recipe) Recipe {
	prereqs, qtys := encodeItems(r.Items)
	return Recipe{Supply: Uint(r.Product), Prerequisites: prereqs, Quantities: qtys}
}

// DecodeSupply normalizes the getSupply tuple.
func DecodeSupply(s Supply) (domain.SupplyTotals, error) {
	if len(s.SupplyIDs) != len(s.Quantities) {
		return domain.SupplyTotals{}, fmt.Errorf("decode supply: %d ids but %d quantities", len(s.SupplyIDs), len(s.Quantities))
	}
	total, err := ParseUint[uint64]("total", s.Total)
	if err != nil {
		return domain.SupplyTotals{}, err
	}
	ids, err := parseList[domain.LotID]("supplyId", s.SupplyIDs)
	if err != nil {
		return domain.SupplyTotals{}, err
	}
	qtys, err := parseList[uint64]("quantities", s.Quantities)
	if err != nil {
		return domain.SupplyTotals{}, err
	}
	out := domain.SupplyTotals{Total: total, Exists: s.Exist, Holdings: make([]domain.LotHolding, 0, len(ids))}
	for i := range ids {
		out.Holdings = append(out.Holdings, domain.LotHolding{Lot: ids[i], Quantity: qtys[i]})
	}
	return out, nil
}

// EncodeSupply converts supply totals to the getSupply tuple.
func EncodeSupply(s domain.SupplyTotals) Supply {
	out := Supply{Total: Uint(s.Total), Exist: s.Exists, SupplyIDs: []string{}, Quantities: []string{}}
	for _, h := range s.Holdings {
		out.SupplyIDs = append(out.SupplyIDs, Uint(h.Lot))
		out.Quantities = append(out.Quantities, Uint(h.Quantity))
	}
	return out
}

// DecodeLots parses a list of lot ids.
func DecodeLots(l LotList) ([]domain.LotID, error) {
	return parseList[domain.LotID]("supplyIds", l.SupplyIDs)
}

// EncodeLots formats a list of lot ids.
func EncodeLots(ids []domain.LotID) LotList { return LotList{SupplyIDs: formatList(ids)} }

// DecodeAddresses normalizes a list of addresses.
func DecodeAddresses(l AddressList) []domain.Address {
	out := make([]domain.Address, 0, len(l.Addresses))
	for _, a := range l.Addresses {
		out = append(out, addr(a))
	}
	return out
}

// EncodeAddresses formats a list of addresses.
func EncodeAddresses(in []domain.Address) AddressList {
	return AddressList{Addresses: encodeEach(in, domain.Address.String)}
}

// DecodeRequestEvent normalizes a resolved request event.
func DecodeRequestEvent(e RequestEvent) (domain.RequestEvent, error) {
	var (
		out = domain.RequestEvent{From: addr(e.From), To: addr(e.To), State: decodeState(e.State), Block: e.BlockNumber}
		err error
	)
	if out.RequestID, err = ParseUint[uint64]("requestId", e.RequestID); err != nil {
		return domain.RequestEvent{}, err
	}
	if out.ContractID, err = ParseUint[uint64]("contractId", e.ContractID); err != nil {
		return domain.RequestEvent{}, err
	}
	if out.Product, err = ParseUint[domain.ProductID]("productId", e.ProductID); err != nil {
		return domain.RequestEvent{}, err
	}
	if out.Quantity, err = ParseUint[uint64]("quantity", e.Quantity); err != nil {
		return domain.RequestEvent{}, err
	}
	if out.At, err = decodeTime("timestamp", e.Timestamp); err != nil {
		return domain.RequestEvent{}, err
	}
	return out, nil
}

// EncodeRequestEvent converts a request event to its wire shape.
func EncodeRequestEvent(e domain.RequestEvent) RequestEvent {
	return RequestEvent{
		RequestID:   Uint(e.RequestID),
		ContractID:  Uint(e.ContractID),
		From:        e.From.String(),
		To:          e.To.String(),
		ProductID:   Uint(e.Product),
		Quantity:    Uint(e.Quantity),
		State:       encodeState(e.State),
		Timestamp:   encodeTime(e.At),
		BlockNumber: e.Block,
	}
}

// DecodeDeleteRequestEvent normalizes a delete-request event.
func DecodeDeleteRequestEvent(e DeleteRequestEvent) (domain.DeleteRequestEvent, error) {
	var (
		out = domain.DeleteRequestEvent{Owner: addr(e.Owner), Responder: addr(e.Responder), State: decodeState(e.State), Block: e.BlockNumber}
		err error
	)
	if out.RequestID, err = ParseUint[uint64]("requestId", e.RequestID); err != nil {
		return domain.DeleteRequestEvent{}, err
	}
	if out.Product, err = ParseUint[domain.ProductID]("productId", e.ProductID); err != nil {
		return domain.DeleteRequestEvent{}, err
	}
	if out.At, err = decodeTime("timestamp", e.Timestamp); err != nil {
		return domain.DeleteRequestEvent{}, err
	}
	return out, nil
}

// EncodeDeleteRequestEvent converts a delete-request event to its wire shape.
func EncodeDeleteRequestEvent(e domain.DeleteRequestEvent) DeleteRequestEvent {
	return DeleteRequestEvent{
		RequestID:   Uint(e.RequestID),
		Owner:       e.Owner.String(),
		Responder:   e.Responder.String(),
		ProductID:   Uint(e.Product),
		State:       encodeState(e.State),
		Timestamp:   encodeTime(e.At),
		BlockNumber: e.Block,
	}
}

// DecodeEventFilter normalizes an event query.
func DecodeEventFilter(q EventQuery) (domain.EventFilter, error) {
	id, err := ParseUint[uint64]("requestId", q.RequestID)
	if err != nil {
		return domain.EventFilter{}, err
	}
	return domain.EventFilter{From: addr(q.From), To: addr(q.To), RequestID: id, FromBlock: q.FromBlock, ToBlock: q.ToBlock}, nil
}

// EncodeEventFilter converts a filter to an event query.
func EncodeEventFilter(f domain.EventFilter) EventQuery {
	q := EventQuery{From: f.From.String(), To: f.To.String(), FromBlock: f.FromBlock, ToBlock: f.ToBlock}
	if f.RequestID != 0 {
		q.RequestID = Uint(f.RequestID)
	}
	return q
}

// DecodeProductSpec normalizes an addProduct payload.
func DecodeProductSpec(tx CreateProductTx) (domain.ProductSpec, error) {
	id, err := ParseUint[domain.ProductID]("productId", tx.ProductID)
	if err != nil {
		return domain.ProductSpec{}, err
	}
	items, err := decodeItems(tx.Prerequisites, tx.Quantities)
	if err != nil {
		return domain.ProductSpec{}, err
	}
	if len(items) == 0 {
		items = nil
	}
	return domain.ProductSpec{ID: id, Name: tx.ProductName, Owner: addr(tx.Owner), Recipe: items}, nil
}

// EncodeProductSpec converts a product spec to an addProduct payload.
func EncodeProductSpec(spec domain.ProductSpec) CreateProductTx {
	prereqs, qtys := encodeItems(spec.Recipe)
	return CreateProductTx{ProductID: Uint(spec.ID), ProductName: spec.Name, Owner: spec.Owner.String(), Prerequisites: prereqs, Quantities: qtys}
}

// DecodeTransfer normalizes an approveRequest payload. Every draw is of the
// requested product.
func DecodeTransfer(tx ApproveRequestTx) (domain.Transfer, error) {
	req, err := DecodeRequest(tx.Request)
	if err != nil {
		return domain.Transfer{}, err
	}
	if len(tx.SupplyIDs) != len(tx.Quantities) {
		return domain.Transfer{}, fmt.Errorf("decode transfer: %d lots but %d quantities", len(tx.SupplyIDs), len(tx.Quantities))
	}
	ids, err := parseList[domain.LotID]("supplyIds", tx.SupplyIDs)
	if err != nil {
		return domain.Transfer{}, err
	}
	qtys, err := parseList[uint64]("quantities", tx.Quantities)
	if err != nil {
		return domain.Transfer{}, err
	}
	receipt, err := ParseUint[domain.LotID]("receiptId", tx.Receipt)
	if err != nil {
		return domain.Transfer{}, err
	}
	out := domain.Transfer{Request: req, Receipt: receipt, Draws: make([]domain.LotDraw, 0, len(ids))}
	for i := range ids {
		out.Draws = append(out.Draws, domain.LotDraw{Lot: ids[i], Product: req.Product, Quantity: qtys[i]})
	}
	return out, nil
}

// EncodeTransfer converts a transfer to an approveRequest payload.
func EncodeTransfer(t domain.Transfer) ApproveRequestTx {
	out := ApproveRequestTx{Request: EncodeRequest(t.Request), Receipt: Uint(t.Receipt), SupplyIDs: []string{}, Quantities: []string{}}
	for _, d := range t.Draws {
		out.SupplyIDs = append(out.SupplyIDs, Uint(d.Lot))
		out.Quantities = append(out.Quantities, Uint(d.Quantity))
	}
	return out
}

// DecodeConversion normalizes a conversion payload.
func DecodeConversion(tx ConversionTx) (domain.Conversion, error) {
	n := len(tx.PrerequisiteSupplyIDs)
	if len(tx.PrerequisiteProductIDs) != n || len(tx.PrerequisiteQuantities) != n {
		return domain.Conversion{}, fmt.Errorf("decode conversion: mismatched prerequisite arrays")
	}
	var (
		out domain.Conversion
		err error
	)
	if out.Product, err = ParseUint[domain.ProductID]("productId", tx.ProductID); err != nil {
		return domain.Conversion{}, err
	}
	if out.Quantity, err = ParseUint[uint64]("quantity", tx.Quantity); err != nil {
		return domain.Conversion{}, err
	}
	if out.Lot, err = ParseUint[domain.LotID]("supplyId", tx.SupplyID); err != nil {
		return domain.Conversion{}, err
	}
	products, err := parseList[domain.ProductID]("prerequisiteProductIds", tx.PrerequisiteProductIDs)
	if err != nil {
		return domain.Conversion{}, err
	}
	lots, err := parseList[domain.LotID]("prerequisiteSupplyIds", tx.PrerequisiteSupplyIDs)
	if err != nil {
		return domain.Conversion{}, err
	}
	qtys, err := parseList[uint64]("prerequisiteQuantities", tx.PrerequisiteQuantities)
	if err != nil {
		return domain.Conversion{}, err
	}
	for i := range lots {
		out.Draws = append(out.Draws, domain.LotDraw{Lot: lots[i], Product: products[i], Quantity: qtys[i]})
	}
	return out, nil
}

// EncodeConversion converts a conversion to its wire payload.
func EncodeConversion(c domain.Conversion) ConversionTx {
	out := ConversionTx{ProductID: Uint(c.Product), Quantity: Uint(c.Quantity), SupplyID: Uint(c.Lot)}
	for _, d := range c.Draws {
		out.PrerequisiteProductIDs = append(out.PrerequisiteProductIDs, Uint(d.Product))
		out.PrerequisiteSupplyIDs = append(out.PrerequisiteSupplyIDs, Uint(d.Lot))
		out.PrerequisiteQuantities = append(out.PrerequisiteQuantities, Uint(d.Quantity))
	}
	return out
}
