package graph

import (
	"context"
	"fmt"
	"strconv"

	"supplycore/pkg/domain"
)

type lotLoad struct {
	lot       domain.SupplyLot
	product   domain.Product
	account   *domain.Account
	ancestors []domain.SupplyLot
}

func (b *Builder) findLot(ctx context.Context, id domain.LotID) (domain.SupplyLot, bool, error) {
	var (
		lot domain.SupplyLot
		ok  bool
	)
	err := b.store.View(ctx, func(v domain.LotView) error {
		var err error
		lot, ok, err = v.FindLot(id)
		return err
	})
	return lot, ok, err
}

func (b *Builder) loadLot(ctx context.Context, id domain.LotID) (lotLoad, error) {
	lot, ok, err := b.findLot(ctx, id)
	if err != nil {
		return lotLoad{}, err
	}
	if !ok {
		return lotLoad{}, domain.NewNotFound(domain.EntityLot, id)
	}
	load := lotLoad{lot: lot, account: b.account(ctx, lot.Owner)}
	load.product, err = b.ledger.Product(ctx, lot.Product)
	if err != nil {
		b.logger.Debug("product lookup failed", "product", lot.Product, "error", err)
		load.product = domain.Product{ID: lot.Product}
	}

	past, err := b.ledger.PastSupply(ctx, id)
	if err != nil {
		b.logger.Debug("no recorded ancestry, treating lot as a leaf", "lot", id, "error", err)
		return load, nil
	}
	for _, parent := range past {
		ancestor, ok, err := b.findLot(ctx, parent)
		if err != nil || !ok {
			b.logger.Debug("ancestor lot not tracked locally", "lot", parent, "error", err)
			continue
		}
		load.ancestors = append(load.ancestors, ancestor)
	}
	return load, nil
}

func lotLabel(load lotLoad) string {
	if load.product.Name != "" {
		return load.product.Name
	}
	return "product " + strconv.FormatUint(uint64(load.lot.Product), 10)
}

// SupplyChain walks backwards from lot through the lots it was made or
// received from. A lot missing from the local store is an error; lots without
// recorded ancestry end their branch. Each product is expanded once per walk,
// through whichever lot reaches it first.
func (b *Builder) SupplyChain(ctx context.Context, lot domain.LotID, xOrigin float64) (Graph, error) {
	g := Graph{Nodes: []Node{}, Edges: []Edge{}}
	visited := map[domain.ProductID]bool{}

	err := walk(ctx, b, xOrigin, []domain.LotID{lot}, b.loadLot,
		func(id domain.LotID, load lotLoad, err error, level int, pos Position) ([]domain.LotID, error) {
			if err != nil {
				if level == 0 {
					return nil, fmt.Errorf("supply chain of lot %d: %w", id, err)
				}
				b.logger.Debug("lot lookup failed, emitting leaf", "lot", id, "error", err)
				g.Nodes = append(g.Nodes, Node{ID: strconv.FormatUint(uint64(id), 10), Position: pos, Data: NodeData{Label: "lot " + strconv.FormatUint(uint64(id), 10)}, Type: NodeTypeCustom})
				return nil, nil
			}
			if level == 0 {
				visited[load.lot.Product] = true
			}
			g.Nodes = append(g.Nodes, Node{
				ID:       strconv.FormatUint(uint64(id), 10),
				Position: pos,
				Data:     NodeData{Label: lotLabel(load), Meta: LotMeta{SupplyLot: load.lot, Product: load.product, Account: load.account}},
				Type:     NodeTypeCustom,
			})
			var next []domain.LotID
			for _, ancestor := range load.ancestors {
				if visited[ancestor.Product] {
					continue
				}
				visited[ancestor.Product] = true
				g.Edges = append(g.Edges, Edge{
					ID:           b.edgeID(),
					Source:       strconv.FormatUint(uint64(id), 10),
					Target:       strconv.FormatUint(uint64(ancestor.ID), 10),
					SourceHandle: HandleTop,
					TargetHandle: HandleBottom,
				})
				next = append(next, ancestor.ID)
			}
			return next, nil
		})
	if err != nil {
		return Graph{}, err
	}
	return g, nil
}
