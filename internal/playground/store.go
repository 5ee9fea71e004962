// Package playground holds the published playground state and the mutation
// pipeline that is the only way to change it.
//
// All writes (user edits, background merges, worker results) are queued and
// applied one at a time by a single goroutine. Each mutation is applied to a
// clone of the latest snapshot, reconciled, and published atomically.
// Readers of an older snapshot are never affected.
package playground

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentoven/agentoven/playground/internal/cas"
	"github.com/agentoven/agentoven/playground/internal/metrics"
	"github.com/agentoven/agentoven/playground/internal/remote"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("playground")

// ErrClosed is returned by Mutate after Close.
var ErrClosed = errors.New("playground store closed")

// ErrSkip is returned (possibly wrapped) by an UpdateFunc that found nothing
// to do. The mutation is dropped like any failed update but only logged at
// debug level.
var ErrSkip = errors.New("mutation skipped")

// Update is one write. It is either an UpdateFunc or a Partial.
type Update interface {
	apply(d *Draft) error
}

// UpdateFunc edits the draft in place. Returning an error drops the mutation.
type UpdateFunc func(d *Draft) error

func (f UpdateFunc) apply(d *Draft) error { return f(d) }

// Option configures a single mutation.
type Option func(*mutateOptions)

type mutateOptions struct {
	revalidate bool
	label      string
}

// WithRevalidate starts a fresh load cycle after the mutation is published.
func WithRevalidate() Option {
	return func(o *mutateOptions) { o.revalidate = true }
}

// WithLabel names the mutation in logs and traces.
func WithLabel(label string) Option {
	return func(o *mutateOptions) { o.label = label }
}

// Revalidator starts a load cycle. Installed by the loader.
type Revalidator func(ctx context.Context)

type request struct {
	ctx    context.Context
	update Update
	opts   mutateOptions
	reply  chan reply
}

type reply struct {
	state *State
	err   error
}

// Store owns the published snapshot and the mutation queue.
type Store struct {
	cas     *cas.Registry
	current atomic.Pointer[State]
	queue   chan *request
	doneCh  chan struct{}
	stopped chan struct{}
	closeMu sync.Once
	now     func() time.Time
	mutator remote.Mutator

	revalidateMu sync.RWMutex
	revalidate   Revalidator

	subsMu sync.Mutex
	subs   map[uint64]waker
	subSeq uint64
}

// waker is the pipeline's view of a subscription.
type waker interface {
	wake()
	stop()
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the clock used for notifications.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithQueueSize sets the mutation queue capacity.
func WithQueueSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.queue = make(chan *request, n)
		}
	}
}

// NewStore creates a store with an empty snapshot and starts its pipeline.
func NewStore(reg *cas.Registry, opts ...StoreOption) *Store {
	if reg == nil {
		reg = cas.NewRegistry()
	}
	s := &Store{
		cas:     reg,
		queue:   make(chan *request, 64),
		doneCh:  make(chan struct{}),
		stopped: make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
		subs:    make(map[uint64]waker),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(newState(reg))
	go s.loop()
	return s
}

// CAS returns the store's content-addressable registry.
func (s *Store) CAS() *cas.Registry { return s.cas }

// Snapshot returns the latest published state. Callers must not modify it.
func (s *Store) Snapshot() *State {
	return s.current.Load()
}

// SetRevalidator installs the hook used by WithRevalidate.
func (s *Store) SetRevalidator(fn Revalidator) {
	s.revalidateMu.Lock()
	s.revalidate = fn
	s.revalidateMu.Unlock()
}

// Mutate queues an update and waits until it is applied or dropped. The
// update always sees the latest snapshot at application time, not the one
// current when it was queued.
func (s *Store) Mutate(ctx context.Context, u Update, opts ...Option) (*State, error) {
	req := &request{ctx: ctx, update: u, reply: make(chan reply, 1)}
	for _, opt := range opts {
		opt(&req.opts)
	}

	select {
	case <-s.doneCh:
		return s.Snapshot(), ErrClosed
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	case s.queue <- req:
	}

	select {
	case r := <-req.reply:
		return r.state, r.err
	case <-s.stopped:
		return s.Snapshot(), ErrClosed
	}
}

// Close stops the pipeline and all subscriptions. Safe to call more than
// once.
func (s *Store) Close() error {
	s.closeMu.Do(func() {
		close(s.doneCh)
		<-s.stopped

		s.subsMu.Lock()
		subs := s.subs
		s.subs = make(map[uint64]waker)
		s.subsMu.Unlock()
		for _, w := range subs {
			w.stop()
		}
		metrics.Subscribers.Sub(float64(len(subs)))
		log.Debug().Msg("Playground store closed")
	})
	return nil
}

func (s *Store) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.doneCh:
			return
		case req := <-s.queue:
			st, err := s.process(req)
			req.reply <- reply{state: st, err: err}
		}
	}
}

func (s *Store) process(req *request) (*State, error) {
	prev := s.Snapshot()
	if err := req.ctx.Err(); err != nil {
		metrics.Mutations.WithLabelValues("dropped").Inc()
		return prev, err
	}

	ctx, span := tracer.Start(req.ctx, "playground.mutate",
		trace.WithAttributes(attribute.String("playground.mutation", req.opts.label)))
	defer span.End()

	start := time.Now()
	next := prev.clone()
	d := &Draft{State: next, now: s.now}

	if err := safeApply(req.update, d); err != nil {
		if errors.Is(err, ErrSkip) {
			metrics.Mutations.WithLabelValues("skipped").Inc()
			log.Debug().Err(err).Str("mutation", req.opts.label).Msg("Mutation skipped")
			return prev, err
		}
		metrics.Mutations.WithLabelValues("dropped").Inc()
		span.RecordError(err)
		log.Warn().Err(err).Str("mutation", req.opts.label).Msg("Mutation dropped")
		return prev, err
	}

	reconcile(prev, d)
	next.Version = prev.Version + 1
	s.current.Store(next)

	metrics.Mutations.WithLabelValues("applied").Inc()
	metrics.MutationLatency.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("playground.version", int64(next.Version)))

	s.wakeSubscribers()

	if req.opts.revalidate {
		s.revalidateMu.RLock()
		fn := s.revalidate
		s.revalidateMu.RUnlock()
		if fn != nil {
			go fn(trace.ContextWithSpan(context.Background(), trace.SpanFromContext(ctx)))
		}
	}
	return next, nil
}

// safeApply runs the update and converts a panic into an error.
func safeApply(u Update, d *Draft) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mutation panicked: %v\n%s", r, debug.Stack())
		}
	}()
	if u == nil {
		return errors.New("nil update")
	}
	return u.apply(d)
}

func (s *Store) wakeSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, w := range s.subs {
		w.wake()
	}
}

func (s *Store) addSubscriber(w waker) uint64 {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subSeq++
	s.subs[s.subSeq] = w
	metrics.Subscribers.Inc()
	return s.subSeq
}

func (s *Store) removeSubscriber(id uint64) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if _, ok := s.subs[id]; ok {
		delete(s.subs, id)
		metrics.Subscribers.Dec()
	}
}
