// Package domain defines the supply-chain entities mirrored from the external
// ledger, the locally owned supply lots, and the rule evaluation primitives
// used by supplycore.
package domain

import (
	"strings"
	"time"
)

// EntityType identifies the type of record referenced by changes and errors.
type EntityType string

// Supported entity type identifiers.
const (
	// EntityLot identifies a locally persisted supply lot.
	EntityLot EntityType = "supply_lot"
	// EntityCompany identifies a company registered on the ledger.
	EntityCompany EntityType = "company"
	// EntityProduct identifies a product registered on the ledger.
	EntityProduct EntityType = "product"
	// EntityRecipe identifies a product's bill of materials.
	EntityRecipe  EntityType = "recipe"
	EntityRequest EntityType = "request"
	EntityAccount EntityType = "account"
)

// Address is a ledger account address. Addresses are compared in their
// normalized (trimmed, lower-case) form.
type Address string

// NormalizeAddress trims and lower-cases a raw address.
func NormalizeAddress(raw string) Address {
	return Address(strings.ToLower(strings.TrimSpace(raw)))
}

func (a Address) String() string { return string(a) }

// ProductID identifies a product on the ledger.
type ProductID uint64

// LotID identifies a supply lot. Lot ids are unique across the network.
type LotID uint64

// CompanyProduct is a directed relationship entry: the neighbouring company
// and the product exchanged with it.
type CompanyProduct struct {
	Company Address   `json:"company_id"`
	Product ProductID `json:"product_id"`
}

// Company mirrors a company record held by the ledger.
type Company struct {
	Owner                  Address           `json:"owner"`
	Name                   string            `json:"name"`
	Supply                 []ProductID       `json:"list_of_supply"`
	Prerequisites          []ProductID       `json:"list_of_prerequisites"`
	Upstream               []CompanyProduct  `json:"upstream"`
	Downstream             []CompanyProduct  `json:"downstream"`
	IncomingRequests       []TransferRequest `json:"incoming_requests"`
	OutgoingRequests       []TransferRequest `json:"outgoing_requests"`
	IncomingContracts      []Contract        `json:"incoming_contracts"`
	OutgoingContracts      []Contract        `json:"outgoing_contracts"`
	IncomingDeleteRequests []DeleteRequest   `json:"incoming_delete_requests"`
	OutgoingDeleteRequests []DeleteRequest   `json:"outgoing_delete_requests"`
}

// HasDownstream reports whether addr is one of the company's downstream neighbours.
func (c Company) HasDownstream(addr Address) bool {
	for _, rel := range c.Downstream {
		if rel.Company == addr {
			return true
		}
	}
	return false
}

// Product mirrors a product registered on the ledger. Products are immutable
// once created.
type Product struct {
	ID    ProductID `json:"product_id"`
	Name  string    `json:"product_name"`
	Owner Address   `json:"owner"`
}

// RecipeItem is one prerequisite of a recipe: Quantity units of Product are
// consumed per unit of output.
type RecipeItem struct {
	Product  ProductID `json:"product_id"`
	Quantity uint64    `json:"quantity"`
}

// Recipe is the bill of materials of a manufactured product.
type Recipe struct {
	Product ProductID    `json:"product_id"`
	Items   []RecipeItem `json:"items"`
}

// Empty reports whether the recipe lists no prerequisites.
func (r Recipe) Empty() bool { return len(r.Items) == 0 }

// LotHolding is the quantity of a single lot the ledger attributes to a holder.
type LotHolding struct {
	Lot      LotID  `json:"supply_id"`
	Quantity uint64 `json:"quantity"`
}

// SupplyTotals is the ledger's aggregate stock view for one (product, holder) pair.
type SupplyTotals struct {
	Total    uint64       `json:"total"`
	Holdings []LotHolding `json:"holdings"`
	Exists   bool         `json:"exists"`
}

// SupplyLot is a locally persisted batch of a product. QuantityLeft only ever
// decreases outside of compensating restores and never leaves [0, Quantity].
type SupplyLot struct {
	ID           LotID     `json:"supply_id"`
	Product      ProductID `json:"product_id"`
	Owner        Address   `json:"owner"`
	Quantity     uint64    `json:"quantity"`
	QuantityLeft uint64    `json:"quantity_left"`
	CreatedAt    time.Time `json:"timestamp"`
}

// WorkflowState is the state of a request, contract, or delete request.
type WorkflowState string

// Workflow states. Transitions are pending -> approved | declined.
const (
	StatePending  WorkflowState = "pending"
	StateApproved WorkflowState = "approved"
	StateDeclined WorkflowState = "declined"
)

// TransferRequest asks To to ship Quantity units of Product to From.
type TransferRequest struct {
	ID       uint64    `json:"request_id"`
	From     Address   `json:"from"`
	To       Address   `json:"to"`
	Product  ProductID `json:"product_id"`
	Quantity uint64    `json:"quantity"`
}

// Contract is a standing supply agreement between two companies.
type Contract struct {
	ID      uint64    `json:"contract_id"`
	From    Address   `json:"from"`
	To      Address   `json:"to"`
	Product ProductID `json:"product_id"`
}

// DeleteRequest asks the downstream companies of Owner to agree to the
// removal of Product.
type DeleteRequest struct {
	ID        uint64    `json:"request_id"`
	Owner     Address   `json:"owner"`
	Product   ProductID `json:"product_id"`
	Approvals []Address `json:"approvals"`
	Rejected  bool      `json:"rejected"`
}

// RequestEvent is a resolved transfer request or contract emitted by the ledger.
type RequestEvent struct {
	RequestID  uint64        `json:"request_id"`
	ContractID uint64        `json:"contract_id,omitempty"`
	From       Address       `json:"from"`
	To         Address       `json:"to"`
	Product    ProductID     `json:"product_id"`
	Quantity   uint64        `json:"quantity"`
	State      WorkflowState `json:"state"`
	At         time.Time     `json:"timestamp"`
	Block      uint64        `json:"block"`
}

// DeleteRequestEvent is a response to a delete request emitted by the ledger.
type DeleteRequestEvent struct {
	RequestID uint64        `json:"request_id"`
	Owner     Address       `json:"owner"`
	Responder Address       `json:"responder"`
	Product   ProductID     `json:"product_id"`
	State     WorkflowState `json:"state"`
	At        time.Time     `json:"timestamp"`
	Block     uint64        `json:"block"`
}

// EventFilter narrows ledger event queries. Zero values match anything;
// ToBlock zero means the latest block.
type EventFilter struct {
	From      Address `json:"from,omitempty"`
	To        Address `json:"to,omitempty"`
	RequestID uint64  `json:"request_id,omitempty"`
	FromBlock uint64  `json:"from_block,omitempty"`
	ToBlock   uint64  `json:"to_block,omitempty"`
}

// MatchRequest reports whether a request event passes the filter.
func (f EventFilter) MatchRequest(e RequestEvent) bool {
	return f.match(e.From, e.To, e.RequestID, e.Block)
}

// MatchDelete reports whether a delete-request event passes the filter. From
// matches the request owner and To matches the responder.
func (f EventFilter) MatchDelete(e DeleteRequestEvent) bool {
	return f.match(e.Owner, e.Responder, e.RequestID, e.Block)
}

func (f EventFilter) match(from, to Address, id, block uint64) bool {
	if f.From != "" && f.From != from {
		return false
	}
	if f.To != "" && f.To != to {
		return false
	}
	if f.RequestID != 0 && f.RequestID != id {
		return false
	}
	if block < f.FromBlock {
		return false
	}
	return f.ToBlock == 0 || block <= f.ToBlock
}

// LotDraw is a single (lot, quantity) pair taken by an allocation.
type LotDraw struct {
	Lot      LotID     `json:"supply_id"`
	Product  ProductID `json:"product_id"`
	Quantity uint64    `json:"quantity"`
}

// Transfer is the ledger write that approves a request. Receipt is the lot
// recorded for the receiving company.
type Transfer struct {
	Request TransferRequest `json:"request"`
	Draws   []LotDraw       `json:"draws"`
	Receipt LotID           `json:"receipt_id"`
}

// Conversion is the ledger write that turns stock into a new supply lot. Draws
// is empty for raw conversions.
type Conversion struct {
	Product  ProductID `json:"product_id"`
	Quantity uint64    `json:"quantity"`
	Lot      LotID     `json:"supply_id"`
	Draws    []LotDraw `json:"draws,omitempty"`
}

// ProductSpec describes a product to register on the ledger.
type ProductSpec struct {
	ID     ProductID    `json:"product_id"`
	Name   string       `json:"product_name"`
	Owner  Address      `json:"owner"`
	Recipe []RecipeItem `json:"recipe,omitempty"`
}

// Account is a directory entry for a ledger address.
type Account struct {
	Address     Address `json:"wallet_address" yaml:"wallet_address"`
	Username    string  `json:"username" yaml:"username"`
	DisplayName string  `json:"display_name" yaml:"display_name"`
	Email       string  `json:"email" yaml:"email"`
	IsOwner     bool    `json:"is_owner" yaml:"is_owner"`
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
	SeverityLog   Severity = "log"
)

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Lots are never deleted, so there is no delete action.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	// ActionRestore marks a compensating increment after a failed ledger write.
	ActionRestore Action = "restore"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Rule + ": " + v.Message
		}
	}
	return "transaction blocked by rules"
}
