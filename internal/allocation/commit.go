package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"supplycore/pkg/domain"
)

type backoffConfig struct {
	initial time.Duration
	max     time.Duration
}

var defaultBackoff = backoffConfig{initial: 10 * time.Millisecond, max: 250 * time.Millisecond}

func (e *Engine) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.backoff.initial
	b.MaxInterval = e.backoff.max
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, e.retries), ctx)
}

// retryContention reruns attempt while it fails with ErrLotContention.
func (e *Engine) retryContention(ctx context.Context, op string, attempt func() error) error {
	tries := 0
	return backoff.Retry(func() error {
		tries++
		err := attempt()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrLotContention) {
			return backoff.Permanent(err)
		}
		e.logger.Warn("lot contention, rebuilding plan", "operation", op, "attempt", tries, "error", err)
		return err
	}, e.newBackoff(ctx))
}

// commit applies the plan's decrements in one store transaction, then runs
// the ledger write. When the write fails the decrements are restored. Once
// the decrements land, cancellation of ctx no longer interrupts the commit.
func (e *Engine) commit(ctx context.Context, plan Plan, write func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	draws := plan.Draws()
	_, err := e.store.RunInTransaction(ctx, func(tx domain.LotTransaction) error {
		for _, d := range draws {
			if _, err := tx.DecrementLot(d.Lot, d.Quantity); err != nil {
				return fmt.Errorf("decrement lot %d: %w", d.Lot, err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrLotContention) {
			return &domain.AllocationError{Kind: domain.ErrLotContention, Product: plan.Product, ProductName: plan.Name, Err: err}
		}
		return err
	}

	commitCtx := context.WithoutCancel(ctx)
	if err := write(commitCtx); err != nil {
		if cErr := e.restore(commitCtx, draws); cErr != nil {
			e.logger.Error("compensating restore failed", "product", plan.Product, "draws", len(draws), "error", cErr)
			err = errors.Join(err, cErr)
		}
		return &domain.AllocationError{Kind: domain.ErrLedgerWriteFailure, Product: plan.Product, ProductName: plan.Name, Err: err}
	}
	return nil
}

func (e *Engine) restore(ctx context.Context, draws []domain.LotDraw) error {
	_, err := e.store.RunInTransaction(ctx, func(tx domain.LotTransaction) error {
		for _, d := range draws {
			if _, err := tx.RestoreLot(d.Lot, d.Quantity); err != nil {
				return fmt.Errorf("restore lot %d: %w", d.Lot, err)
			}
		}
		return nil
	})
	return err
}

// recordLot persists a lot the ledger has already minted, retrying transient
// store failures.
func (e *Engine) recordLot(ctx context.Context, lot domain.SupplyLot) (domain.SupplyLot, error) {
	ctx = context.WithoutCancel(ctx)
	var created domain.SupplyLot
	err := backoff.Retry(func() error {
		_, err := e.store.RunInTransaction(ctx, func(tx domain.LotTransaction) error {
			var err error
			created, err = tx.CreateLot(lot)
			return err
		})
		if err == nil {
			return nil
		}
		var violation domain.RuleViolationError
		if errors.Is(err, domain.ErrInvalidQuantity) || errors.Is(err, domain.ErrLotExists) || errors.As(err, &violation) {
			return backoff.Permanent(err)
		}
		return err
	}, e.newBackoff(ctx))
	if err != nil {
		e.logger.Error("ledger minted a lot the store could not record", "lot", lot.ID, "product", lot.Product, "error", err)
		return domain.SupplyLot{}, fmt.Errorf("record lot %d: %w", lot.ID, err)
	}
	return created, nil
}

// ApproveTransfer fills req from the supplier's own lots, approves it on the
// ledger with the chosen draws, and records the receipt lot for the requester.
func (e *Engine) ApproveTransfer(ctx context.Context, req domain.TransferRequest) (Plan, error) {
	if err := validate(req.Quantity, req.To); err != nil {
		return Plan{}, err
	}
	if req.From == req.To {
		return Plan{}, fmt.Errorf("%w: request %d is addressed to its sender", domain.ErrNotPermitted, req.ID)
	}
	var plan Plan
	err := e.retryContention(ctx, "approve_transfer", func() error {
		release, err := e.locks.acquire(ctx, req.Product)
		if err != nil {
			return err
		}
		defer release()

		p, err := e.planDirect(ctx, req.Product, req.Quantity, req.To)
		if err != nil {
			return err
		}
		p.Output = e.lotIDs()
		err = e.commit(ctx, p, func(ctx context.Context) error {
			return e.ledger.ApproveRequest(ctx, req.To, domain.Transfer{Request: req, Draws: p.Draws(), Receipt: p.Output})
		})
		if err != nil {
			return err
		}
		plan = p
		return nil
	})
	if err != nil {
		return Plan{}, err
	}
	_, err = e.recordLot(ctx, domain.SupplyLot{
		ID: plan.Output, Product: req.Product, Owner: req.From,
		Quantity: req.Quantity, QuantityLeft: req.Quantity, CreatedAt: e.now(),
	})
	if err != nil {
		return plan, err
	}
	e.logger.Info("transfer approved", "request", req.ID, "product", req.Product, "quantity", req.Quantity, "lots", len(plan.Draws()), "receipt", plan.Output)
	return plan, nil
}

// Manufacture consumes the requester's prerequisite lots to produce
// r.Quantity units of r.Product, recording the finished lot.
func (e *Engine) Manufacture(ctx context.Context, r Request) (Plan, domain.SupplyLot, error) {
	if err := validate(r.Quantity, r.Requester); err != nil {
		return Plan{}, domain.SupplyLot{}, err
	}
	product, err := e.ledger.Product(ctx, r.Product)
	if err != nil {
		return Plan{}, domain.SupplyLot{}, fmt.Errorf("manufacture: %w", err)
	}
	if product.Owner != r.Requester {
		return Plan{}, domain.SupplyLot{}, fmt.Errorf("%w: %s does not produce %s", domain.ErrNotPermitted, r.Requester, product.Name)
	}
	g, err := e.manufacturable(ctx, r.Product)
	if err != nil {
		return Plan{}, domain.SupplyLot{}, err
	}

	var plan Plan
	err = e.retryContention(ctx, "manufacture", func() error {
		release, err := e.locks.acquire(ctx, g.inputs...)
		if err != nil {
			return err
		}
		defer release()

		p, err := e.planManufacture(ctx, g, r.Quantity, r.Requester)
		if err != nil {
			return err
		}
		p.Output = e.lotIDs()
		err = e.commit(ctx, p, func(ctx context.Context) error {
			return e.ledger.ConvertPrerequisiteToSupply(ctx, r.Requester, domain.Conversion{
				Product: r.Product, Quantity: r.Quantity, Lot: p.Output, Draws: p.Draws(),
			})
		})
		if err != nil {
			return err
		}
		plan = p
		return nil
	})
	if err != nil {
		return Plan{}, domain.SupplyLot{}, err
	}
	lot, err := e.recordLot(ctx, domain.SupplyLot{
		ID: plan.Output, Product: r.Product, Owner: r.Requester,
		Quantity: r.Quantity, QuantityLeft: r.Quantity, CreatedAt: e.now(),
	})
	if err != nil {
		return plan, domain.SupplyLot{}, err
	}
	e.logger.Info("manufactured", "product", r.Product, "quantity", r.Quantity, "legs", len(plan.Legs), "lot", lot.ID)
	return plan, lot, nil
}

// ConvertToSupply registers quantity units of raw stock of product owned by
// actor and records the new lot.
func (e *Engine) ConvertToSupply(ctx context.Context, actor domain.Address, product domain.ProductID, quantity uint64) (domain.SupplyLot, error) {
	if err := validate(quantity, actor); err != nil {
		return domain.SupplyLot{}, err
	}
	p, err := e.ledger.Product(ctx, product)
	if err != nil {
		return domain.SupplyLot{}, fmt.Errorf("convert to supply: %w", err)
	}
	if p.Owner != actor {
		return domain.SupplyLot{}, fmt.Errorf("%w: %s does not produce %s", domain.ErrNotPermitted, actor, p.Name)
	}
	if err := ctx.Err(); err != nil {
		return domain.SupplyLot{}, err
	}
	id := e.lotIDs()
	if err := e.ledger.ConvertToSupply(context.WithoutCancel(ctx), actor, domain.Conversion{Product: product, Quantity: quantity, Lot: id}); err != nil {
		return domain.SupplyLot{}, &domain.AllocationError{Kind: domain.ErrLedgerWriteFailure, Product: product, ProductName: p.Name, Err: err}
	}
	lot, err := e.recordLot(ctx, domain.SupplyLot{
		ID: id, Product: product, Owner: actor,
		Quantity: quantity, QuantityLeft: quantity, CreatedAt: e.now(),
	})
	if err != nil {
		return domain.SupplyLot{}, err
	}
	e.logger.Info("converted to supply", "product", product, "quantity", quantity, "lot", id)
	return lot, nil
}
