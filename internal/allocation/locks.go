package allocation

import (
	"context"
	"slices"
	"sync"

	"supplycore/pkg/domain"
)

// lockSet hands out per-product exclusive sections. Callers acquiring several
// products always take them in ascending id order.
type lockSet struct {
	mu    sync.Mutex
	slots map[domain.ProductID]chan struct{}
}

func newLockSet() *lockSet {
	return &lockSet{slots: make(map[domain.ProductID]chan struct{})}
}

func (s *lockSet) slot(id domain.ProductID) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[id] = ch
	}
	return ch
}

// acquire locks every product in ids. It gives up, releasing whatever it
// holds, when ctx ends first.
func (s *lockSet) acquire(ctx context.Context, ids ...domain.ProductID) (func(), error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	held := make([]chan struct{}, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, id := range ordered {
		ch := s.slot(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
