// Package cached decorates a ledger with LRU caches for records the ledger
// never mutates: product metadata and recipes.
package cached

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"supplycore/pkg/domain"
)

// DefaultSize is the per-cache entry limit used when size <= 0.
const DefaultSize = 1024

// Ledger serves Product and Recipe from memory and forwards everything else.
type Ledger struct {
	domain.Ledger
	products *lru.Cache[domain.ProductID, domain.Product]
	recipes  *lru.Cache[domain.ProductID, domain.Recipe]
}

var _ domain.Ledger = (*Ledger)(nil)

// New wraps next with caches holding up to size entries each.
func New(next domain.Ledger, size int) (*Ledger, error) {
	if size <= 0 {
		size = DefaultSize
	}
	products, err := lru.New[domain.ProductID, domain.Product](size)
	if err != nil {
		return nil, fmt.Errorf("product cache: %w", err)
	}
	recipes, err := lru.New[domain.ProductID, domain.Recipe](size)
	if err != nil {
		return nil, fmt.Errorf("recipe cache: %w", err)
	}
	return &Ledger{Ledger: next, products: products, recipes: recipes}, nil
}

// Product returns cached metadata, loading it on a miss. Lookup failures are
// not cached.
func (l *Ledger) Product(ctx context.Context, id domain.ProductID) (domain.Product, error) {
	if p, ok := l.products.Get(id); ok {
		return p, nil
	}
	p, err := l.Ledger.Product(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	l.products.Add(id, p)
	return p, nil
}

// Recipe returns the cached bill of materials, loading it on a miss.
func (l *Ledger) Recipe(ctx context.Context, id domain.ProductID) (domain.Recipe, error) {
	if r, ok := l.recipes.Get(id); ok {
		return cloneRecipe(r), nil
	}
	r, err := l.Ledger.Recipe(ctx, id)
	if err != nil {
		return domain.Recipe{}, err
	}
	l.recipes.Add(id, cloneRecipe(r))
	return r, nil
}

// RespondDeleteRequest forwards the response and drops the product from the
// caches, since an approval may remove it.
func (l *Ledger) RespondDeleteRequest(ctx context.Context, actor domain.Address, requestID uint64, product domain.ProductID, owner domain.Address, approve bool) error {
	err := l.Ledger.RespondDeleteRequest(ctx, actor, requestID, product, owner, approve)
	if approve {
		l.products.Remove(product)
		l.recipes.Remove(product)
	}
	return err
}

// Purge empties both caches.
func (l *Ledger) Purge() {
	l.products.Purge()
	l.recipes.Purge()
}

// Len reports the number of cached products and recipes.
func (l *Ledger) Len() (products, recipes int) {
	return l.products.Len(), l.recipes.Len()
}

func cloneRecipe(r domain.Recipe) domain.Recipe {
	out := domain.Recipe{Product: r.Product}
	if r.Items != nil {
		out.Items = append([]domain.RecipeItem(nil), r.Items...)
	}
	return out
}
