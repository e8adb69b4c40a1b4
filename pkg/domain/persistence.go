package domain

import (
	"context"
	"sort"
)

// LotQuery pages over lots. Zero Product and empty Owner match any lot.
type LotQuery struct {
	Product    ProductID
	Owner      Address
	Page       int
	Limit      int
	Descending bool
}

// Normalize clamps paging to page >= 1 and 1 <= limit <= 100 (default 10).
func (q LotQuery) Normalize() LotQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	return q
}

// Offset returns the number of lots skipped before the page.
func (q LotQuery) Offset() int { return (q.Page - 1) * q.Limit }

// LotPage is one page of lots plus the total match count.
type LotPage struct {
	Lots  []SupplyLot `json:"lots"`
	Total int         `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

// LotView provides read-only access to lots for rules and callers.
type LotView interface {
	FindLot(id LotID) (SupplyLot, bool, error)
	// ListLotsByProduct returns lots of product ordered by CreatedAt, then ID.
	// An empty owner matches every holder.
	ListLotsByProduct(product ProductID, owner Address) ([]SupplyLot, error)
	ListLots(q LotQuery) (LotPage, error)
}

// LotTransaction is the mutable unit of work over lots.
type LotTransaction interface {
	LotView
	CreateLot(lot SupplyLot) (SupplyLot, error)
	// DecrementLot lowers QuantityLeft by delta, failing with ErrLotContention
	// when fewer than delta units remain.
	DecrementLot(id LotID, delta uint64) (SupplyLot, error)
	// RestoreLot adds delta back without exceeding Quantity.
	RestoreLot(id LotID, delta uint64) (SupplyLot, error)
}

// LotStore is the persistence abstraction for supply lots.
type LotStore interface {
	RunInTransaction(ctx context.Context, fn func(LotTransaction) error) (Result, error)
	View(ctx context.Context, fn func(LotView) error) error
}

// SortLots orders lots oldest first, breaking timestamp ties by lot id.
func SortLots(lots []SupplyLot, descending bool) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if descending {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Matches reports whether lot passes the query's product and owner filters.
func (q LotQuery) Matches(lot SupplyLot) bool {
	if q.Product != 0 && lot.Product != q.Product {
		return false
	}
	return q.Owner == "" || lot.Owner == q.Owner
}

// PageLots filters, sorts and slices lots for q.
func PageLots(lots []SupplyLot, q LotQuery) LotPage {
	q = q.Normalize()
	matched := make([]SupplyLot, 0, len(lots))
	for _, lot := range lots {
		if q.Matches(lot) {
			matched = append(matched, lot)
		}
	}
	SortLots(matched, q.Descending)
	page := LotPage{Total: len(matched), Page: q.Page, Limit: q.Limit, Lots: []SupplyLot{}}
	if start := q.Offset(); start < len(matched) {
		end := min(start+q.Limit, len(matched))
		page.Lots = append(page.Lots, matched[start:end]...)
	}
	return page
}
