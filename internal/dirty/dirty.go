// Package dirty derives per-entity divergence from the last-synced baseline.
//
// The check has two stages. A snapshot reference match means nothing at all
// changed. A mismatch may only be volatile bookkeeping, so the value hashes
// (volatile fields stripped) decide.
package dirty

import (
	"time"

	"github.com/agentoven/agentoven/playground/internal/hasher"
	"github.com/agentoven/agentoven/playground/pkg/models"
)

// Baseline is the last-synced identity of an entity.
type Baseline struct {
	SnapshotRef string    `json:"snapshot_ref"`
	ValueHash   string    `json:"value_hash"`
	SourceTime  time.Time `json:"source_time"`
}

// Adopt builds the baseline for a freshly synced entity.
func Adopt(v models.Variant) Baseline {
	return Baseline{
		SnapshotRef: hasher.Snapshot(v),
		ValueHash:   hasher.Entity(v),
		SourceTime:  v.UpdatedAt,
	}
}

// Newer reports whether v carries a newer source timestamp than b.
func (b Baseline) Newer(v models.Variant) bool {
	return v.UpdatedAt.After(b.SourceTime)
}

// Entry is one tracked entity. Load is only called when the snapshot
// reference differs from the baseline.
type Entry struct {
	ID   string
	Ref  string
	Load func() (models.Variant, bool)
}

// Recompute returns the dirty map for entities together with the updated
// baselines. The input map is not modified. Baselines of entities absent
// from the list are carried over unchanged.
func Recompute(entities []models.Variant, baselines map[string]Baseline) (map[string]bool, map[string]Baseline) {
	entries := make([]Entry, len(entities))
	for i, e := range entities {
		e := e
		entries[i] = Entry{
			ID:   e.ID,
			Ref:  hasher.Snapshot(e),
			Load: func() (models.Variant, bool) { return e, true },
		}
	}
	return RecomputeEntries(entries, baselines)
}

// RecomputeEntries is Recompute over references. An entry whose reference
// equals its baseline is clean without loading the value.
func RecomputeEntries(entries []Entry, baselines map[string]Baseline) (map[string]bool, map[string]Baseline) {
	flags := make(map[string]bool, len(entries))
	next := make(map[string]Baseline, len(baselines)+len(entries))
	for id, b := range baselines {
		next[id] = b
	}

	for _, en := range entries {
		b, ok := baselines[en.ID]
		if ok && en.Ref == b.SnapshotRef {
			flags[en.ID] = false
			continue
		}
		e, loaded := en.Load()
		if !loaded {
			continue
		}
		if !ok || b.Newer(e) {
			next[en.ID] = Adopt(e)
			flags[en.ID] = false
			continue
		}
		flags[en.ID] = hasher.Entity(e) != b.ValueHash
	}
	return flags, next
}

// Is reports whether e diverges from b.
func Is(e models.Variant, b Baseline) bool {
	if hasher.Snapshot(e) == b.SnapshotRef {
		return false
	}
	return hasher.Entity(e) != b.ValueHash
}
