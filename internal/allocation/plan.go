package allocation

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"slices"

	"supplycore/pkg/domain"
)

// recipeGraph is the part of the recipe graph reachable from a root product.
type recipeGraph struct {
	root    domain.ProductID
	recipes map[domain.ProductID]domain.Recipe
	// inputs lists every product reachable below root, ascending.
	inputs []domain.ProductID
}

func (g recipeGraph) hasRecipe(id domain.ProductID) bool {
	r, ok := g.recipes[id]
	return ok && !r.Empty()
}

// loadRecipeGraph walks the recipes reachable from root and fails with
// ErrRecipeCycle when a product transitively requires itself. No lot is read.
func (e *Engine) loadRecipeGraph(ctx context.Context, root domain.ProductID) (recipeGraph, error) {
	g := recipeGraph{root: root, recipes: map[domain.ProductID]domain.Recipe{}}
	const (
		visiting = 1
		done     = 2
	)
	state := map[domain.ProductID]int{}
	var path []domain.ProductID

	var visit func(id domain.ProductID) error
	visit = func(id domain.ProductID) error {
		switch state[id] {
		case visiting:
			start := slices.Index(path, id)
			cycle := append(slices.Clone(path[start:]), id)
			return &domain.AllocationError{Kind: domain.ErrRecipeCycle, Product: root, Path: cycle}
		case done:
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		state[id] = visiting
		path = append(path, id)

		recipe, err := e.ledger.Recipe(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return fmt.Errorf("load recipe %d: %w", id, err)
		default:
			g.recipes[id] = recipe
			for _, item := range recipe.Items {
				if err := visit(item.Product); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		state[id] = done
		if id != root {
			g.inputs = append(g.inputs, id)
		}
		return nil
	}
	if err := visit(root); err != nil {
		return recipeGraph{}, err
	}
	slices.Sort(g.inputs)
	return g, nil
}

// requirements accumulates the flattened bill of materials of a request.
type requirements struct {
	need   map[domain.ProductID]uint64
	totals map[domain.ProductID]domain.SupplyTotals
}

func mulQuantity(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d x %d overflows", domain.ErrInvalidQuantity, a, b)
	}
	return lo, nil
}

func (e *Engine) prerequisiteTotals(ctx context.Context, req *requirements, product domain.ProductID, holder domain.Address) (domain.SupplyTotals, error) {
	if t, ok := req.totals[product]; ok {
		return t, nil
	}
	t, err := e.ledger.PrerequisiteSupply(ctx, product, holder)
	if err != nil {
		return domain.SupplyTotals{}, fmt.Errorf("prerequisite supply of %d: %w", product, err)
	}
	req.totals[product] = t
	return t, nil
}

// expand adds the inputs needed to make qty units of product. A prerequisite
// the holder has none of is replaced by its own inputs when it has a recipe.
func (e *Engine) expand(ctx context.Context, g recipeGraph, req *requirements, product domain.ProductID, qty uint64, holder domain.Address) error {
	for _, item := range g.recipes[product].Items {
		if item.Quantity == 0 {
			continue
		}
		need, err := mulQuantity(qty, item.Quantity)
		if err != nil {
			return err
		}
		totals, err := e.prerequisiteTotals(ctx, req, item.Product, holder)
		if err != nil {
			return err
		}
		if totals.Total == 0 && g.hasRecipe(item.Product) {
			if err := e.expand(ctx, g, req, item.Product, need, holder); err != nil {
				return err
			}
			continue
		}
		req.need[item.Product] += need
	}
	return nil
}

func (e *Engine) productName(ctx context.Context, id domain.ProductID) string {
	p, err := e.ledger.Product(ctx, id)
	if err != nil {
		e.logger.Debug("product name lookup failed", "product", id, "error", err)
		return ""
	}
	return p.Name
}

// fifo draws need units from lots oldest first and reports what is left unmet.
func fifo(lots []domain.SupplyLot, need uint64) ([]domain.LotDraw, uint64) {
	domain.SortLots(lots, false)
	var draws []domain.LotDraw
	for _, lot := range lots {
		if need == 0 {
			break
		}
		if lot.QuantityLeft == 0 {
			continue
		}
		take := min(need, lot.QuantityLeft)
		draws = append(draws, domain.LotDraw{Lot: lot.ID, Product: lot.Product, Quantity: take})
		need -= take
	}
	return draws, need
}

// drawLeg allocates need units of product from holder's lots, checking the
// ledger total first. Local lots that cannot cover a total the ledger reports
// are a ledger mismatch.
func (e *Engine) drawLeg(ctx context.Context, view domain.LotView, product domain.ProductID, need uint64, totals domain.SupplyTotals, holder domain.Address) (Leg, error) {
	leg := Leg{Product: product, Name: e.productName(ctx, product), Need: need, Available: totals.Total}
	if totals.Total < need {
		return Leg{}, &domain.AllocationError{
			Kind: domain.ErrInsufficientStock, Product: product, ProductName: leg.Name,
			Need: need, Available: totals.Total,
		}
	}
	lots, err := view.ListLotsByProduct(product, holder)
	if err != nil {
		return Leg{}, fmt.Errorf("list lots of %d: %w", product, err)
	}
	draws, unmet := fifo(lots, need)
	if unmet > 0 {
		return Leg{}, &domain.AllocationError{
			Kind: domain.ErrLedgerMismatch, Product: product, ProductName: leg.Name,
			Need: need - unmet, Available: totals.Total,
		}
	}
	leg.Draws = draws
	return leg, nil
}

// planDirect draws qty units of the holder's own product.
func (e *Engine) planDirect(ctx context.Context, product domain.ProductID, qty uint64, holder domain.Address) (Plan, error) {
	totals, err := e.ledger.Supply(ctx, product, holder)
	if err != nil {
		return Plan{}, fmt.Errorf("supply of %d: %w", product, err)
	}
	plan := Plan{Product: product, Quantity: qty, Holder: holder}
	err = e.store.View(ctx, func(view domain.LotView) error {
		leg, err := e.drawLeg(ctx, view, product, qty, totals, holder)
		if err != nil {
			return err
		}
		plan.Name = leg.Name
		plan.Legs = []Leg{leg}
		return nil
	})
	if err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// planManufacture draws the flattened bill of materials for qty units of the
// graph's root. Legs are ordered by ascending product id, and the first
// failing leg aborts the plan.
func (e *Engine) planManufacture(ctx context.Context, g recipeGraph, qty uint64, holder domain.Address) (Plan, error) {
	req := &requirements{need: map[domain.ProductID]uint64{}, totals: map[domain.ProductID]domain.SupplyTotals{}}
	if err := e.expand(ctx, g, req, g.root, qty, holder); err != nil {
		return Plan{}, err
	}
	products := make([]domain.ProductID, 0, len(req.need))
	for id := range req.need {
		products = append(products, id)
	}
	slices.Sort(products)

	plan := Plan{Product: g.root, Name: e.productName(ctx, g.root), Quantity: qty, Holder: holder}
	err := e.store.View(ctx, func(view domain.LotView) error {
		for _, id := range products {
			leg, err := e.drawLeg(ctx, view, id, req.need[id], req.totals[id], holder)
			if err != nil {
				return err
			}
			plan.Legs = append(plan.Legs, leg)
		}
		return nil
	})
	if err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Plan computes the draws for r without touching any lot. It holds the same
// product locks a commit would.
func (e *Engine) Plan(ctx context.Context, r Request) (Plan, error) {
	if err := validate(r.Quantity, r.Requester); err != nil {
		return Plan{}, err
	}
	if !r.Manufacture {
		release, err := e.locks.acquire(ctx, r.Product)
		if err != nil {
			return Plan{}, err
		}
		defer release()
		return e.planDirect(ctx, r.Product, r.Quantity, r.Requester)
	}
	g, err := e.manufacturable(ctx, r.Product)
	if err != nil {
		return Plan{}, err
	}
	release, err := e.locks.acquire(ctx, g.inputs...)
	if err != nil {
		return Plan{}, err
	}
	defer release()
	return e.planManufacture(ctx, g, r.Quantity, r.Requester)
}

func (e *Engine) manufacturable(ctx context.Context, product domain.ProductID) (recipeGraph, error) {
	g, err := e.loadRecipeGraph(ctx, product)
	if err != nil {
		var alloc *domain.AllocationError
		if errors.As(err, &alloc) && alloc.ProductName == "" {
			alloc.ProductName = e.productName(ctx, product)
		}
		return recipeGraph{}, err
	}
	if !g.hasRecipe(product) {
		return recipeGraph{}, &domain.AllocationError{Kind: domain.ErrNotManufacturable, Product: product, ProductName: e.productName(ctx, product)}
	}
	return g, nil
}

func validate(qty uint64, requester domain.Address) error {
	if qty == 0 {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidQuantity)
	}
	if requester == "" {
		return fmt.Errorf("%w: requester is required", domain.ErrNotPermitted)
	}
	return nil
}
