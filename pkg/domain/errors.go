package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Allocation and lookup failures. Each is matched with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrNotManufacturable  = errors.New("product has no recipe")
	ErrNotPermitted       = errors.New("not permitted")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrLedgerMismatch     = errors.New("ledger mismatch")
	ErrRecipeCycle        = errors.New("recipe cycle")
	ErrLotContention      = errors.New("lot contention")
	ErrLedgerWriteFailure = errors.New("ledger write failure")
	ErrLotExists          = errors.New("lot already exists")
)

// NotFoundError identifies a missing record.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Unwrap lets callers match ErrNotFound.
func (e NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound builds a NotFoundError for an id of any printable type.
func NewNotFound(entity EntityType, id any) NotFoundError {
	return NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

// AllocationError carries diagnostics for a failed allocation. Kind is one of
// the allocation sentinels; Err is the underlying cause when there is one.
type AllocationError struct {
	Kind        error
	Product     ProductID
	ProductName string
	Need        uint64
	Available   uint64
	Path        []ProductID
	Err         error
}

func (e *AllocationError) Error() string {
	name := e.ProductName
	if name == "" {
		name = "product " + strconv.FormatUint(uint64(e.Product), 10)
	}
	switch e.Kind {
	case ErrInsufficientStock:
		return fmt.Sprintf("%s's supply is less than request (need %d, have %d)", name, e.Need, e.Available)
	case ErrLedgerMismatch:
		return fmt.Sprintf("ledger mismatch for %s: ledger reports %d, local lots hold %d", name, e.Available, e.Need)
	case ErrRecipeCycle:
		parts := make([]string, 0, len(e.Path))
		for _, p := range e.Path {
			parts = append(parts, strconv.FormatUint(uint64(p), 10))
		}
		return fmt.Sprintf("recipe cycle through %s", strings.Join(parts, " -> "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%v for %s: %v", e.Kind, name, e.Err)
	}
	return fmt.Sprintf("%v for %s", e.Kind, name)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *AllocationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the caller may retry the whole operation.
// Insufficient stock may clear after a transfer; contention and ledger write
// failures are transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrLotContention) ||
		errors.Is(err, ErrLedgerWriteFailure)
}

// ParseProductID parses a decimal product id.
func ParseProductID(raw string) (ProductID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse product id %q: %w", raw, err)
	}
	return ProductID(v), nil
}

// ParseLotID parses a decimal lot id.
func ParseLotID(raw string) (LotID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse lot id %q: %w", raw, err)
	}
	return LotID(v), nil
}

// ParseAddress normalizes raw and rejects empty or malformed hex addresses.
func ParseAddress(raw string) (Address, error) {
	addr := NormalizeAddress(raw)
	if addr == "" {
		return "", errors.New("address is empty")
	}
	if hex, ok := strings.CutPrefix(string(addr), "0x"); ok {
		if hex == "" {
			return "", fmt.Errorf("address %q has no digits", raw)
		}
		for _, r := range hex {
			if !strings.ContainsRune("0123456789abcdef", r) {
				return "", fmt.Errorf("address %q is not hex", raw)
			}
		}
	}
	return addr, nil
}
