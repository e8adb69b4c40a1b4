// Package allocation selects supply lots to satisfy transfer and manufacturing
// requests and commits the lot decrements together with the matching ledger
// transition.
//
// Lots are drawn oldest first, ordered by creation time and then lot id. A
// manufacturing request draws from the maker's prerequisite lots; when a
// prerequisite has no stock but has a recipe of its own, its inputs are drawn
// instead. Every commit either applies all decrements and the ledger write or
// leaves lot state as it was.
package allocation

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"

	"supplycore/pkg/domain"
)

// DefaultContentionRetries bounds how often a plan is rebuilt after a
// conditional decrement loses a race.
const DefaultContentionRetries = 5

// Request describes a quantity of product to draw from Requester's stock.
// With Manufacture set, the product's recipe is expanded and prerequisite lots
// are drawn instead.
type Request struct {
	Product     domain.ProductID `json:"product_id"`
	Quantity    uint64           `json:"quantity"`
	Requester   domain.Address   `json:"requester"`
	Manufacture bool             `json:"manufacture,omitempty"`
}

// Leg is the allocation of one product within a plan.
type Leg struct {
	Product   domain.ProductID `json:"product_id"`
	Name      string           `json:"product_name,omitempty"`
	Need      uint64           `json:"need"`
	Available uint64           `json:"available"`
	Draws     []domain.LotDraw `json:"draws"`
}

// Plan is the full set of lot draws satisfying a request. Output is the lot
// minted by the commit, when there is one.
type Plan struct {
	Product  domain.ProductID `json:"product_id"`
	Name     string           `json:"product_name,omitempty"`
	Quantity uint64           `json:"quantity"`
	Holder   domain.Address   `json:"holder"`
	Legs     []Leg            `json:"legs"`
	Output   domain.LotID     `json:"output_id,omitempty"`
}

// Draws flattens the plan's draws in leg order.
func (p Plan) Draws() []domain.LotDraw {
	var out []domain.LotDraw
	for _, leg := range p.Legs {
		out = append(out, leg.Draws...)
	}
	return out
}

// Drawn sums the quantity drawn of product.
func (p Plan) Drawn(product domain.ProductID) uint64 {
	var total uint64
	for _, leg := range p.Legs {
		for _, d := range leg.Draws {
			if d.Product == product {
				total += d.Quantity
			}
		}
	}
	return total
}

// Engine plans and commits allocations.
type Engine struct {
	ledger  domain.Ledger
	store   domain.LotStore
	locks   *lockSet
	logger  domain.Logger
	now     func() time.Time
	lotIDs  func() domain.LotID
	retries uint64
	backoff backoffConfig
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(logger domain.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp new lots.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLotIDs overrides lot id generation.
func WithLotIDs(next func() domain.LotID) Option {
	return func(e *Engine) {
		if next != nil {
			e.lotIDs = next
		}
	}
}

// WithContentionRetries sets how many times a contended allocation is rebuilt.
// Zero disables retries.
func WithContentionRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retries = uint64(n)
		}
	}
}

// New constructs an engine over the ledger and lot store.
func New(ledger domain.Ledger, store domain.LotStore, opts ...Option) (*Engine, error) {
	if ledger == nil {
		return nil, errors.New("allocation: ledger is required")
	}
	if store == nil {
		return nil, errors.New("allocation: lot store is required")
	}
	e := &Engine{
		ledger:  ledger,
		store:   store,
		locks:   newLockSet(),
		logger:  domain.NopLogger{},
		now:     func() time.Time { return time.Now().UTC() },
		lotIDs:  NewLotID,
		retries: DefaultContentionRetries,
		backoff: defaultBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

const lotIDMask = 1<<53 - 1

// NewLotID derives a random non-zero lot id from a UUID. Ids fit in 53 bits,
// the integer range of a JSON number.
func NewLotID() domain.LotID {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint64(u[:8]) & lotIDMask; id != 0 {
			return domain.LotID(id)
		}
	}
}
