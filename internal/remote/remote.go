// Package remote is the boundary to the configuration backend.
//
// Fetcher and Mutator are satisfied by the HTTP Client in this package and
// by the embedded repositories in internal/store.
package remote

import (
	"context"

	"github.com/agentoven/agentoven/playground/pkg/models"
)

// FetchRequest selects entities. Empty IDs with Limit > 0 asks for the most
// recent Limit revisions; empty IDs with Limit == 0 asks for everything.
type FetchRequest struct {
	IDs     []string `json:"ids,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// FetchResponse may hold fewer variants than requested.
type FetchResponse struct {
	Variants []models.Variant `json:"variants"`
	Schema   *models.Schema   `json:"schema,omitempty"`
	Routing  *models.Routing  `json:"routing,omitempty"`
}

// Fetcher reads configuration.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// SchemaFetcher reads the schema descriptor of a workload by URI. Optional;
// loaders fall back to FetchResponse.Schema.
type SchemaFetcher interface {
	FetchSchema(ctx context.Context, uri string) (*models.Schema, error)
}

// Mutator persists configuration changes.
type Mutator interface {
	// Commit saves v as a new revision and returns the persisted entity.
	Commit(ctx context.Context, v *models.Variant) (*models.Variant, error)
	Delete(ctx context.Context, id string) error
}

// Backend is a full configuration boundary.
type Backend interface {
	Fetcher
	Mutator
}
