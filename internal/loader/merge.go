package loader

import (
	"sort"

	"github.com/agentoven/agentoven/playground/pkg/models"
)

// Merge combines the known revisions with a freshly fetched batch. It is
// pure and idempotent: ids are unique in the result, incoming copies win,
// and IsLatestRevision is recomputed so that exactly one revision per
// VariantID carries it.
func Merge(existing, incoming []models.Variant) []models.Variant {
	byID := make(map[string]models.Variant, len(existing)+len(incoming))
	for _, v := range existing {
		byID[v.ID] = v
	}
	for _, v := range incoming {
		byID[v.ID] = v
	}

	out := make([]models.Variant, 0, len(byID))
	for _, v := range byID {
		out = append(out, v.Clone())
	}
	MarkLatest(out)

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkLatest sets IsLatestRevision on the revision with the greatest
// CreatedAt in each VariantID group and clears it on the rest. Ties go to
// the higher revision number, then the lower id.
func MarkLatest(vs []models.Variant) {
	latest := make(map[string]int, len(vs))
	for i, v := range vs {
		j, ok := latest[v.VariantID]
		if !ok || newer(v, vs[j]) {
			latest[v.VariantID] = i
		}
	}
	for i := range vs {
		vs[i].IsLatestRevision = latest[vs[i].VariantID] == i
	}
}

func newer(a, b models.Variant) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.Revision != b.Revision {
		return a.Revision > b.Revision
	}
	return a.ID < b.ID
}

func revisionRef(v models.Variant, ref string) models.RevisionRef {
	return models.RevisionRef{
		ID:               v.ID,
		VariantID:        v.VariantID,
		Name:             v.Name,
		Revision:         v.Revision,
		CreatedAt:        v.CreatedAt,
		IsLatestRevision: v.IsLatestRevision,
		Ref:              ref,
	}
}
