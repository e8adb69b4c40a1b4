// Package graph builds renderable node/edge payloads from the ledger's
// company network and from lot provenance.
package graph

import (
	"errors"

	"github.com/google/uuid"

	"supplycore/pkg/domain"
)

// Layout defaults.
const (
	DefaultSpacing = 200
	DefaultFanout  = 8
)

// Node and edge rendering hints.
const (
	NodeTypeCustom = "customNode"
	EdgeTypeCustom = "customEdge"
	HandleTop      = "top"
	HandleBottom   = "bottom"
)

// Position is a node's layout coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData is what a renderer shows for a node.
type NodeData struct {
	Label string `json:"label"`
	Meta  any    `json:"meta,omitempty"`
}

// Node is a positioned company or lot.
type Node struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
	Type     string   `json:"type,omitempty"`
}

// Edge is a directed relationship between two nodes. Label joins the names of
// every product exchanged along the edge.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Label        string `json:"label,omitempty"`
	Type         string `json:"type,omitempty"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Graph is the payload returned by every builder.
type Graph struct {
	Nodes []Node   `json:"nodes"`
	Edges []Edge   `json:"edges"`
	Roots []string `json:"roots,omitempty"`
}

// CompanyMeta enriches a company node.
type CompanyMeta struct {
	domain.Company
	SupplyProducts       []domain.Product `json:"supply_products"`
	PrerequisiteProducts []domain.Product `json:"prerequisite_products"`
	Account              *domain.Account  `json:"account,omitempty"`
}

// LotMeta enriches a lot node.
type LotMeta struct {
	domain.SupplyLot
	Product domain.Product  `json:"product"`
	Account *domain.Account `json:"account,omitempty"`
}

// Builder builds graphs. It never mutates the ledger or the lot store.
type Builder struct {
	ledger    domain.LedgerReader
	store     domain.LotStore
	directory domain.AccountDirectory
	spacing   float64
	fanout    int
	logger    domain.Logger
	edgeID    func() string
}

// Option configures a Builder.
type Option func(*Builder)

// WithSpacing sets the horizontal and vertical distance between nodes.
func WithSpacing(spacing float64) Option {
	return func(b *Builder) {
		if spacing > 0 {
			b.spacing = spacing
		}
	}
}

// WithFanout bounds the concurrent ledger fetches issued per layer.
func WithFanout(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.fanout = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger domain.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithEdgeIDs overrides edge id generation.
func WithEdgeIDs(next func() string) Option {
	return func(b *Builder) {
		if next != nil {
			b.edgeID = next
		}
	}
}

// New constructs a Builder. The directory is optional.
func New(ledger domain.LedgerReader, store domain.LotStore, directory domain.AccountDirectory, opts ...Option) (*Builder, error) {
	if ledger == nil {
		return nil, errors.New("graph: ledger is required")
	}
	if store == nil {
		return nil, errors.New("graph: lot store is required")
	}
	b := &Builder{
		ledger:    ledger,
		store:     store,
		directory: directory,
		spacing:   DefaultSpacing,
		fanout:    DefaultFanout,
		logger:    domain.NopLogger{},
		edgeID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}
