package graph

import (
	"context"

	"golang.org/x/sync/errgroup"

	"supplycore/pkg/domain"
)

// position places item index of a layer of width nodes, centering the layer
// on x0.
func (b *Builder) position(x0 float64, level, index, width int) Position {
	offset := -float64(width-1) * b.spacing / 2
	return Position{X: x0 + offset + float64(index)*b.spacing, Y: float64(level) * b.spacing}
}

// walk runs a layered breadth-first traversal from first. Every item of a
// layer is loaded concurrently, then emitted in queue order, so positions
// depend only on queue index. emit returns the items to queue for the next
// layer; deduplication is its job. A load error is handed to emit, which
// decides whether it is fatal.
func walk[Q, V any](ctx context.Context, b *Builder, x0 float64, first []Q,
	load func(context.Context, Q) (V, error),
	emit func(item Q, v V, err error, level int, pos Position) ([]Q, error),
) error {
	layer := first
	for level := 0; len(layer) > 0; level++ {
		values := make([]V, len(layer))
		errs := make([]error, len(layer))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.fanout)
		for i, item := range layer {
			g.Go(func() error {
				values[i], errs[i] = load(gctx, item)
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}

		var next []Q
		for i, item := range layer {
			queued, err := emit(item, values[i], errs[i], level, b.position(x0, level, i, len(layer)))
			if err != nil {
				return err
			}
			next = append(next, queued...)
		}
		layer = next
	}
	return nil
}

func (b *Builder) account(ctx context.Context, addr domain.Address) *domain.Account {
	if b.directory == nil || addr == "" {
		return nil
	}
	acc, ok, err := b.directory.Lookup(ctx, addr)
	if err != nil {
		b.logger.Debug("account lookup failed", "address", addr, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &acc
}
