package compare

import (
	"github.com/agentoven/agentoven/playground/internal/hasher"
	"github.com/agentoven/agentoven/playground/pkg/models"
)

// Strategy names the equality check a Comparator performs, cheapest first.
type Strategy int

const (
	StrategySkip Strategy = iota
	StrategyIDs
	StrategyEntity
	StrategyCollection
)

func (s Strategy) String() string {
	switch s {
	case StrategySkip:
		return "skip"
	case StrategyIDs:
		return "ids"
	case StrategyEntity:
		return "entity"
	case StrategyCollection:
		return "collection"
	default:
		return "unknown"
	}
}

type check func(prev, next Source) bool

// Comparator reports whether the state a subscriber read is unchanged
// between two snapshots.
type Comparator struct {
	Strategy Strategy
	checks   []check
}

// Equal returns true when every recorded read yields the same value in next
// as in prev.
func (c Comparator) Equal(prev, next Source) bool {
	if prev == nil || next == nil {
		return prev == next && c.Strategy == StrategySkip
	}
	for _, ch := range c.checks {
		if !ch(prev, next) {
			return false
		}
	}
	return true
}

// Select derives the comparator for one ledger.
func Select(l *Ledger) Comparator {
	if l.Empty() {
		return Comparator{Strategy: StrategySkip}
	}

	reads := l.Reads()
	full := make(map[string]bool)
	for _, r := range reads {
		switch r.Facet {
		case FacetCollection, FacetEntityConfig:
			full[r.Collection] = true
		}
	}

	c := Comparator{Strategy: StrategySkip}
	raise := func(s Strategy) {
		if s > c.Strategy {
			c.Strategy = s
		}
	}
	seenIDs := make(map[string]bool)

	for _, r := range reads {
		r := r
		switch r.Facet {
		case FacetCollectionIDs:
			if full[r.Collection] || seenIDs[r.Collection] {
				continue
			}
			seenIDs[r.Collection] = true
			c.checks = append(c.checks, func(prev, next Source) bool {
				return equalIDs(prev.CollectionIDs(r.Collection), next.CollectionIDs(r.Collection))
			})
			raise(StrategyIDs)

		case FacetEntity, FacetEntityConfig:
			// A config read also covers the entity itself: it may be loaded
			// but outside the collection it is compared against.
			c.checks = append(c.checks, func(prev, next Source) bool {
				return prev.EntityRef(r.EntityID) == next.EntityRef(r.EntityID)
			})
			raise(StrategyEntity)

		case FacetEntityConfigProperty:
			c.checks = append(c.checks, func(prev, next Source) bool {
				if prev.EntityRef(r.EntityID) == next.EntityRef(r.EntityID) {
					return true
				}
				return propertyRef(prev, r.EntityID, r.Path) == propertyRef(next, r.EntityID, r.Path)
			})
			raise(StrategyEntity)

		case FacetGeneration:
			c.checks = append(c.checks, func(prev, next Source) bool {
				return prev.GenerationRef() == next.GenerationRef()
			})
			raise(StrategyEntity)
		}
	}

	for name := range full {
		name := name
		c.checks = append(c.checks, func(prev, next Source) bool {
			return equalCollection(prev, next, name)
		})
		raise(StrategyCollection)
	}
	return c
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// equalCollection compares membership, order and every member's snapshot
// reference. Equal references denote structurally equal values.
func equalCollection(prev, next Source, name string) bool {
	a, b := prev.CollectionIDs(name), next.CollectionIDs(name)
	if !equalIDs(a, b) {
		return false
	}
	for _, id := range a {
		if prev.EntityRef(id) != next.EntityRef(id) {
			return false
		}
	}
	return true
}

func propertyRef(src Source, id, path string) string {
	e, ok := src.Entity(id)
	if !ok {
		return ""
	}
	v, ok := models.GetPath(e.Parameters, path)
	if !ok {
		return "missing"
	}
	return hasher.Value(v)
}
