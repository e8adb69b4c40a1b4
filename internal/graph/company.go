package graph

import (
	"context"
	"fmt"
	"strconv"

	"supplycore/pkg/domain"
)

type companyKey struct {
	Address domain.Address
}

// laneKey is one product flowing out of a company.
type laneKey struct {
	Address domain.Address
	Product domain.ProductID
}

type pairKey struct {
	Source, Target domain.Address
}

type companyLoad struct {
	company  domain.Company
	supply   []domain.Product
	prereqs  []domain.Product
	account  *domain.Account
	products map[domain.ProductID]string
}

// networkState is shared by every run of one build: nodes are emitted once
// and edges between the same ordered pair are merged across runs.
type networkState struct {
	graph   Graph
	visited map[companyKey]bool
	edges   map[pairKey]int
	lanes   map[pairKey]map[laneKey]bool
}

func newNetworkState() *networkState {
	return &networkState{
		graph:   Graph{Nodes: []Node{}, Edges: []Edge{}},
		visited: map[companyKey]bool{},
		edges:   map[pairKey]int{},
		lanes:   map[pairKey]map[laneKey]bool{},
	}
}

func (b *Builder) productName(ctx context.Context, id domain.ProductID, cache map[domain.ProductID]string) string {
	if name, ok := cache[id]; ok {
		return name
	}
	name := "#" + strconv.FormatUint(uint64(id), 10)
	if p, err := b.ledger.Product(ctx, id); err == nil {
		name = p.Name
	} else {
		b.logger.Debug("product lookup failed", "product", id, "error", err)
	}
	cache[id] = name
	return name
}

func (b *Builder) products(ctx context.Context, ids []domain.ProductID) []domain.Product {
	out := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		p, err := b.ledger.Product(ctx, id)
		if err != nil {
			b.logger.Debug("product lookup failed", "product", id, "error", err)
			p = domain.Product{ID: id}
		}
		out = append(out, p)
	}
	return out
}

func (b *Builder) loadCompany(ctx context.Context, addr domain.Address) (companyLoad, error) {
	c, err := b.ledger.Company(ctx, addr)
	if err != nil {
		return companyLoad{}, err
	}
	load := companyLoad{
		company:  c,
		supply:   b.products(ctx, c.Supply),
		prereqs:  b.products(ctx, c.Prerequisites),
		account:  b.account(ctx, addr),
		products: map[domain.ProductID]string{},
	}
	for _, p := range load.supply {
		if p.Name != "" {
			load.products[p.ID] = p.Name
		}
	}
	for _, rel := range c.Downstream {
		b.productName(ctx, rel.Product, load.products)
	}
	return load, nil
}

// run walks the downstream network from root into st. It returns the indexes
// of the nodes it emitted.
func (b *Builder) run(ctx context.Context, st *networkState, root domain.Address, x0 float64) (int, error) {
	firstNode := len(st.graph.Nodes)
	st.visited[companyKey{root}] = true
	err := walk(ctx, b, x0, []domain.Address{root}, b.loadCompany,
		func(addr domain.Address, load companyLoad, err error, level int, pos Position) ([]domain.Address, error) {
			if err != nil {
				if level == 0 {
					return nil, fmt.Errorf("company %s: %w", addr, err)
				}
				b.logger.Debug("company lookup failed, emitting leaf", "company", addr, "error", err)
				st.graph.Nodes = append(st.graph.Nodes, Node{ID: addr.String(), Position: pos, Data: NodeData{Label: addr.String()}, Type: NodeTypeCustom})
				return nil, nil
			}
			st.graph.Nodes = append(st.graph.Nodes, Node{
				ID:       addr.String(),
				Position: pos,
				Data: NodeData{Label: load.company.Name, Meta: CompanyMeta{
					Company:              load.company,
					SupplyProducts:       load.supply,
					PrerequisiteProducts: load.prereqs,
					Account:              load.account,
				}},
				Type: NodeTypeCustom,
			})
			var next []domain.Address
			for _, rel := range load.company.Downstream {
				st.addEdge(b, addr, rel, load.products[rel.Product])
				if key := (companyKey{rel.Company}); !st.visited[key] {
					st.visited[key] = true
					next = append(next, rel.Company)
				}
			}
			return next, nil
		})
	return firstNode, err
}

func (st *networkState) addEdge(b *Builder, source domain.Address, rel domain.CompanyProduct, label string) {
	pair := pairKey{Source: source, Target: rel.Company}
	lane := laneKey{Address: source, Product: rel.Product}
	if st.lanes[pair][lane] {
		return
	}
	if st.lanes[pair] == nil {
		st.lanes[pair] = map[laneKey]bool{}
	}
	st.lanes[pair][lane] = true

	if idx, ok := st.edges[pair]; ok {
		st.graph.Edges[idx].Label += ", " + label
		return
	}
	edge := Edge{
		ID:           b.edgeID(),
		Source:       source.String(),
		Target:       rel.Company.String(),
		Label:        label,
		SourceHandle: HandleTop,
		TargetHandle: HandleBottom,
	}
	if _, ok := st.edges[pairKey{Source: rel.Company, Target: source}]; ok {
		edge.Type = EdgeTypeCustom
	}
	st.edges[pair] = len(st.graph.Edges)
	st.graph.Edges = append(st.graph.Edges, edge)
}

// CompanyGraph walks the downstream network reachable from start. A start
// company unknown to the ledger is an error; unreachable neighbours become
// leaves.
func (b *Builder) CompanyGraph(ctx context.Context, start domain.Address, xOrigin float64) (Graph, error) {
	st := newNetworkState()
	if _, err := b.run(ctx, st, domain.NormalizeAddress(string(start)), xOrigin); err != nil {
		return Graph{}, err
	}
	return st.graph, nil
}

// Network walks from every root, or from the ledger's head companies when
// roots is empty. A root already reached by an earlier run is skipped; each
// new run is laid out to the right of everything emitted before it.
func (b *Builder) Network(ctx context.Context, roots []domain.Address, xOrigin float64) (Graph, error) {
	if len(roots) == 0 {
		heads, err := b.ledger.HeadCompanies(ctx)
		if err != nil {
			return Graph{}, fmt.Errorf("head companies: %w", err)
		}
		roots = heads
	}
	st := newNetworkState()
	st.graph.Roots = []string{}
	for _, root := range roots {
		root = domain.NormalizeAddress(string(root))
		if st.visited[companyKey{root}] {
			continue
		}
		prevMax, hasPrev := maxX(st.graph.Nodes)
		first, err := b.run(ctx, st, root, xOrigin)
		if err != nil {
			return Graph{}, err
		}
		if hasPrev {
			added := st.graph.Nodes[first:]
			runMin, _ := minX(added)
			shift := prevMax + b.spacing - runMin
			for i := range added {
				added[i].Position.X += shift
			}
		}
		st.graph.Roots = append(st.graph.Roots, root.String())
	}
	b.logger.Debug("network built", "roots", len(st.graph.Roots), "nodes", len(st.graph.Nodes), "edges", len(st.graph.Edges))
	return st.graph, nil
}

func maxX(nodes []Node) (float64, bool) {
	if len(nodes) == 0 {
		return 0, false
	}
	m := nodes[0].Position.X
	for _, n := range nodes[1:] {
		m = max(m, n.Position.X)
	}
	return m, true
}

func minX(nodes []Node) (float64, bool) {
	if len(nodes) == 0 {
		return 0, false
	}
	m := nodes[0].Position.X
	for _, n := range nodes[1:] {
		m = min(m, n.Position.X)
	}
	return m, true
}
