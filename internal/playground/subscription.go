package playground

import (
	"sync"
	"sync/atomic"

	"github.com/agentoven/agentoven/playground/internal/compare"
)

// Selector computes a subscriber's view. Everything it reads through the
// View is recorded and decides when it runs again.
type Selector[T any] func(v *compare.View) T

// Subscription delivers a selector's value each time the state it read
// changes. Only the latest value is kept when the consumer falls behind.
type Subscription[T any] struct {
	C <-chan T

	out      chan T
	wakeCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	store    *Store
	id       uint64
	computes atomic.Int64
	skips    atomic.Int64
}

// Subscribe registers sel and delivers its first value immediately.
func Subscribe[T any](s *Store, sel Selector[T]) *Subscription[T] {
	out := make(chan T, 1)
	sub := &Subscription[T]{
		C:      out,
		out:    out,
		wakeCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
		store:  s,
	}
	sub.id = s.addSubscriber(sub)
	last := s.Snapshot()
	cmp := sub.compute(sel, last)
	go sub.run(sel, last, cmp)
	return sub
}

// Computes returns how many times the selector ran.
func (sub *Subscription[T]) Computes() int64 { return sub.computes.Load() }

// Skips returns how many published snapshots were judged unchanged.
func (sub *Subscription[T]) Skips() int64 { return sub.skips.Load() }

// Close unregisters the subscription and closes C.
func (sub *Subscription[T]) Close() {
	sub.store.removeSubscriber(sub.id)
	sub.stop()
}

func (sub *Subscription[T]) wake() {
	select {
	case sub.wakeCh <- struct{}{}:
	default:
		// already pending
	}
}

func (sub *Subscription[T]) stop() {
	sub.stopOnce.Do(func() { close(sub.doneCh) })
}

func (sub *Subscription[T]) run(sel Selector[T], last *State, cmp compare.Comparator) {
	defer close(sub.out)
	for {
		select {
		case <-sub.doneCh:
			return
		case <-sub.wakeCh:
		}
		next := sub.store.Snapshot()
		if next == last {
			continue
		}
		if cmp.Equal(last, next) {
			sub.skips.Add(1)
			last = next
			continue
		}
		last = next
		cmp = sub.compute(sel, next)
	}
}

// compute runs the selector with a fresh ledger, publishes the value and
// returns the comparator for the reads it made.
func (sub *Subscription[T]) compute(sel Selector[T], st *State) compare.Comparator {
	ledger := compare.NewLedger()
	val := sel(compare.NewView(st, ledger))
	sub.computes.Add(1)

	select {
	case sub.out <- val:
	default:
		select {
		case <-sub.out:
		default:
		}
		sub.out <- val
	}
	return compare.Select(ledger)
}
