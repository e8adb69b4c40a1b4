package core

import (
	"context"
	"fmt"
	"strconv"

	"supplycore/pkg/domain"
)

const (
	ruleLotBounds    = "lot_bounds"
	ruleLotMonotonic = "lot_monotonic"
)

// NewDefaultRulesEngine builds a rules engine with the built-in lot policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewLotBoundsRule())
	engine.Register(NewLotMonotonicRule())
	return engine
}

// NewLotBoundsRule blocks lots with zero quantity or more remaining than minted.
func NewLotBoundsRule() domain.Rule {
	return lotBoundsRule{}
}

type lotBoundsRule struct{}

func (lotBoundsRule) Name() string { return ruleLotBounds }

func (lotBoundsRule) Evaluate(_ context.Context, _ domain.LotView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		lot, ok := changedLot(change)
		if !ok {
			continue
		}
		switch {
		case lot.Quantity == 0:
			res.Violations = append(res.Violations, lotViolation(ruleLotBounds, lot, "lot %d has zero quantity", lot.ID))
		case lot.QuantityLeft > lot.Quantity:
			res.Violations = append(res.Violations, lotViolation(ruleLotBounds, lot,
				"lot %d holds %d of %d", lot.ID, lot.QuantityLeft, lot.Quantity))
		}
	}
	return res, nil
}

// NewLotMonotonicRule blocks updates that raise a lot's remaining quantity.
// Compensating restores are exempt.
func NewLotMonotonicRule() domain.Rule {
	return lotMonotonicRule{}
}

type lotMonotonicRule struct{}

func (lotMonotonicRule) Name() string { return ruleLotMonotonic }

func (lotMonotonicRule) Evaluate(_ context.Context, _ domain.LotView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Action != domain.ActionUpdate {
			continue
		}
		after, ok := changedLot(change)
		if !ok {
			continue
		}
		before, ok := change.Before.(domain.SupplyLot)
		if !ok {
			continue
		}
		if after.Quantity != before.Quantity {
			res.Violations = append(res.Violations, lotViolation(ruleLotMonotonic, after,
				"lot %d quantity changed from %d to %d", after.ID, before.Quantity, after.Quantity))
			continue
		}
		if after.QuantityLeft > before.QuantityLeft {
			res.Violations = append(res.Violations, lotViolation(ruleLotMonotonic, after,
				"lot %d remaining rose from %d to %d", after.ID, before.QuantityLeft, after.QuantityLeft))
		}
	}
	return res, nil
}

func changedLot(change domain.Change) (domain.SupplyLot, bool) {
	if change.Entity != domain.EntityLot {
		return domain.SupplyLot{}, false
	}
	lot, ok := change.After.(domain.SupplyLot)
	return lot, ok
}

func lotViolation(rule string, lot domain.SupplyLot, format string, args ...any) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf(format, args...),
		Entity:   domain.EntityLot,
		EntityID: strconv.FormatUint(uint64(lot.ID), 10),
	}
}
