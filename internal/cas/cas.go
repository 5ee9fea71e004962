// Package cas is the content-addressable store: append-only hash → value maps.
//
// Entries are immutable once written. Values are cloned on the way in and on
// the way out, so no caller can alter what another caller later reads.
package cas

import (
	"sync"

	"github.com/agentoven/agentoven/playground/internal/hasher"
	"github.com/agentoven/agentoven/playground/internal/metrics"
	"github.com/agentoven/agentoven/playground/pkg/models"
)

// Store is one CAS domain.
type Store[T any] struct {
	name  string
	mu    sync.RWMutex
	items map[string]T
	hash  func(T) (string, error)
	clone func(T) T
}

// New creates a CAS domain. clone may be nil for values without shared
// references.
func New[T any](name string, hash func(T) (string, error), clone func(T) T) *Store[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &Store[T]{
		name:  name,
		items: make(map[string]T),
		hash:  hash,
		clone: clone,
	}
}

// Put stores v and returns its reference. Putting an equal value again is a
// no-op that returns the same reference.
func (s *Store[T]) Put(v T) (string, error) {
	ref, err := s.hash(v)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	_, ok := s.items[ref]
	s.mu.RUnlock()
	if ok {
		return ref, nil
	}

	cp := s.clone(v)
	s.mu.Lock()
	if _, ok := s.items[ref]; !ok {
		s.items[ref] = cp
		metrics.CASEntries.WithLabelValues(s.name).Inc()
	}
	s.mu.Unlock()
	return ref, nil
}

// Get returns the value for ref. A miss is not an error.
func (s *Store[T]) Get(ref string) (T, bool) {
	s.mu.RLock()
	v, ok := s.items[ref]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false
	}
	return s.clone(v), true
}

// Has reports whether ref is present.
func (s *Store[T]) Has(ref string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[ref]
	return ok
}

// All returns a copy of every entry.
func (s *Store[T]) All() map[string]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]T, len(s.items))
	for k, v := range s.items {
		out[k] = s.clone(v)
	}
	return out
}

// Len returns the number of entries.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Registry bundles the three value classes held by a playground.
type Registry struct {
	Entities *Store[models.Variant]
	Metadata *Store[models.Schema]
	Results  *Store[models.TestResult]
}

// NewRegistry creates empty entity, metadata and result stores.
func NewRegistry() *Registry {
	return &Registry{
		Entities: New("entity",
			func(v models.Variant) (string, error) { return hasher.Snapshot(v), nil },
			func(v models.Variant) models.Variant { return v.Clone() },
		),
		Metadata: New("meta", hasher.Meta, cloneSchema),
		Results:  New("result", hasher.Result, cloneResult),
	}
}

func cloneSchema(s models.Schema) models.Schema {
	cp := s
	cp.Inputs = append([]string(nil), s.Inputs...)
	cp.Properties = models.CloneTree(s.Properties)
	return cp
}

func cloneResult(r models.TestResult) models.TestResult {
	cp := r
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return cp
}
