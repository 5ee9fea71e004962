// Package compare picks the cheapest equality check that is still correct for
// what a subscriber actually read.
//
// A subscriber reads state through a View, which records every access in a
// Ledger. Select turns the ledger into a Comparator. The ledger is rebuilt on
// every compute cycle, so a comparator is only valid for the cycle whose
// ledger produced it.
package compare

import (
	"sort"

	"github.com/agentoven/agentoven/playground/pkg/models"
)

// Facet names a kind of state read.
type Facet string

const (
	FacetEntity               Facet = "entity"
	FacetEntityConfig         Facet = "entity-config"
	FacetEntityConfigProperty Facet = "entity-config-property"
	FacetCollection           Facet = "collection"
	FacetCollectionIDs        Facet = "collection-ids"
	FacetGeneration           Facet = "generation"
)

// Collection names.
const (
	CollectionVariants  = "variants"  // active selection
	CollectionRevisions = "revisions" // every known revision
)

// Read is one recorded access.
type Read struct {
	Facet      Facet  `json:"facet"`
	Collection string `json:"collection,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	Path       string `json:"path,omitempty"`
}

// Ledger accumulates the reads of one compute cycle. It is not safe for
// concurrent use; each subscription owns its own.
type Ledger struct {
	reads map[Read]struct{}
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{reads: make(map[Read]struct{})}
}

// Touch records a read.
func (l *Ledger) Touch(r Read) {
	l.reads[r] = struct{}{}
}

// Empty reports whether nothing tracked was read.
func (l *Ledger) Empty() bool {
	return l == nil || len(l.reads) == 0
}

// Reads returns the recorded reads in a stable order.
func (l *Ledger) Reads() []Read {
	if l == nil {
		return nil
	}
	out := make([]Read, 0, len(l.reads))
	for r := range l.reads {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Facet != b.Facet {
			return a.Facet < b.Facet
		}
		if a.Collection != b.Collection {
			return a.Collection < b.Collection
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Path < b.Path
	})
	return out
}

// Source is the read side of a published snapshot.
type Source interface {
	// EntityRef returns the CAS snapshot reference of an entity, or "".
	EntityRef(id string) string
	Entity(id string) (models.Variant, bool)
	CollectionIDs(name string) []string
	// GenerationRef is a content hash of rows, messages, runs and dirty
	// flags.
	GenerationRef() string
}

// View reads a Source and records each access in a Ledger.
type View struct {
	src    Source
	ledger *Ledger
}

// NewView wraps src. Every accessor touches l.
func NewView(src Source, l *Ledger) *View {
	return &View{src: src, ledger: l}
}

// Variant reads a whole entity.
func (v *View) Variant(id string) (models.Variant, bool) {
	v.ledger.Touch(Read{Facet: FacetEntity, EntityID: id})
	return v.src.Entity(id)
}

// Config reads an entity's full parameter tree. This is broad config access:
// it is compared against the whole active collection and the entity itself.
func (v *View) Config(id string) map[string]interface{} {
	v.ledger.Touch(Read{Facet: FacetEntityConfig, Collection: CollectionVariants, EntityID: id})
	e, ok := v.src.Entity(id)
	if !ok {
		return nil
	}
	return e.Parameters
}

// Property reads one parameter by dotted path.
func (v *View) Property(id, path string) (interface{}, bool) {
	v.ledger.Touch(Read{Facet: FacetEntityConfigProperty, EntityID: id, Path: path})
	e, ok := v.src.Entity(id)
	if !ok {
		return nil, false
	}
	return models.GetPath(e.Parameters, path)
}

// Collection reads every entity of a collection.
func (v *View) Collection(name string) []models.Variant {
	v.ledger.Touch(Read{Facet: FacetCollection, Collection: name})
	ids := v.src.CollectionIDs(name)
	out := make([]models.Variant, 0, len(ids))
	for _, id := range ids {
		if e, ok := v.src.Entity(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// CollectionIDs reads only the id list of a collection.
func (v *View) CollectionIDs(name string) []string {
	v.ledger.Touch(Read{Facet: FacetCollectionIDs, Collection: name})
	return v.src.CollectionIDs(name)
}

// Generation marks that rows, messages, runs or dirty flags were read and
// returns the source for direct access.
func (v *View) Generation() Source {
	v.ledger.Touch(Read{Facet: FacetGeneration})
	return v.src
}
