package domain

import "context"

// LedgerReader exposes the authoritative ledger's read surface. Lookups of
// unknown records return an error wrapping ErrNotFound.
type LedgerReader interface {
	Company(ctx context.Context, addr Address) (Company, error)
	// HeadCompanies lists the companies with no upstream neighbours.
	HeadCompanies(ctx context.Context) ([]Address, error)
	Product(ctx context.Context, id ProductID) (Product, error)
	// Recipe returns ErrNotFound for products without a bill of materials.
	Recipe(ctx context.Context, id ProductID) (Recipe, error)
	// Supply reports holder's own stock of product.
	Supply(ctx context.Context, product ProductID, holder Address) (SupplyTotals, error)
	// PrerequisiteSupply reports holder's stock of product usable as a prerequisite.
	PrerequisiteSupply(ctx context.Context, product ProductID, holder Address) (SupplyTotals, error)
	// PastSupply returns the lots a lot was produced or received from.
	PastSupply(ctx context.Context, lot LotID) ([]LotID, error)
	RequestEvents(ctx context.Context, filter EventFilter) ([]RequestEvent, error)
	DeleteRequestEvents(ctx context.Context, filter EventFilter) ([]DeleteRequestEvent, error)
}

// LedgerWriter exposes the ledger's mutating surface. Every write names the
// actor submitting it.
type LedgerWriter interface {
	CreateCompany(ctx context.Context, actor, owner Address, name string) error
	CreateProduct(ctx context.Context, actor Address, spec ProductSpec) error
	SendRequest(ctx context.Context, actor Address, req TransferRequest) error
	ApproveRequest(ctx context.Context, actor Address, transfer Transfer) error
	DeclineRequest(ctx context.Context, actor Address, req TransferRequest) error
	SendContract(ctx context.Context, actor Address, contract Contract) error
	ApproveContract(ctx context.Context, actor Address, contract Contract) error
	DeclineContract(ctx context.Context, actor Address, contract Contract) error
	SendDeleteRequest(ctx context.Context, actor Address, product ProductID) error
	RespondDeleteRequest(ctx context.Context, actor Address, requestID uint64, product ProductID, owner Address, approve bool) error
	ConvertToSupply(ctx context.Context, actor Address, conv Conversion) error
	ConvertPrerequisiteToSupply(ctx context.Context, actor Address, conv Conversion) error
}

// Ledger is the full ledger surface.
type Ledger interface {
	LedgerReader
	LedgerWriter
}

// AccountDirectory resolves ledger addresses to user accounts.
type AccountDirectory interface {
	Lookup(ctx context.Context, addr Address) (Account, bool, error)
}
