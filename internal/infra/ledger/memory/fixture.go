package memory

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"supplycore/pkg/domain"
)

// Fixture seeds a ledger with companies and products.
type Fixture struct {
	Companies []FixtureCompany `yaml:"companies"`
	Products  []FixtureProduct `yaml:"products"`
}

// FixtureCompany is a company entry in a fixture file.
type FixtureCompany struct {
	Owner string `yaml:"owner"`
	Name  string `yaml:"name"`
}

// FixtureProduct is a product entry in a fixture file. Recipe maps a
// prerequisite product id to the units consumed per unit produced.
type FixtureProduct struct {
	ID     uint64            `yaml:"id"`
	Name   string            `yaml:"name"`
	Owner  string            `yaml:"owner"`
	Recipe []FixtureRecipeIn `yaml:"recipe"`
}

// FixtureRecipeIn is one recipe line.
type FixtureRecipeIn struct {
	Product  uint64 `yaml:"product"`
	Quantity uint64 `yaml:"quantity"`
}

// LoadFixture decodes a YAML fixture and applies it to a fresh ledger.
// Products must be listed after their prerequisites.
func LoadFixture(ctx context.Context, r io.Reader) (*Ledger, error) {
	var fx Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode ledger fixture: %w", err)
	}
	l := New()
	if err := fx.Apply(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Apply replays the fixture through the ledger's write surface.
func (fx Fixture) Apply(ctx context.Context, l *Ledger) error {
	for _, c := range fx.Companies {
		owner := domain.NormalizeAddress(c.Owner)
		if err := l.CreateCompany(ctx, owner, owner, c.Name); err != nil {
			return fmt.Errorf("fixture company %s: %w", c.Name, err)
		}
	}
	for _, p := range fx.Products {
		owner := domain.NormalizeAddress(p.Owner)
		spec := domain.ProductSpec{ID: domain.ProductID(p.ID), Name: p.Name, Owner: owner}
		for _, in := range p.Recipe {
			spec.Recipe = append(spec.Recipe, domain.RecipeItem{Product: domain.ProductID(in.Product), Quantity: in.Quantity})
		}
		if err := l.CreateProduct(ctx, owner, spec); err != nil {
			return fmt.Errorf("fixture product %s: %w", p.Name, err)
		}
	}
	return nil
}
