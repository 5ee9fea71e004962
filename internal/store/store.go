// Package store is the embedded configuration backend for the playground.
// It keeps the revision history of every variant, the workload schema and
// routing, and the persisted selection. Repositories satisfy remote.Backend
// so the engine can run against them without an external service.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentoven/agentoven/playground/internal/remote"
	"github.com/agentoven/agentoven/playground/pkg/models"
)

// Repository is the storage interface behind the embedded backend.
// Handler code and the engine depend on this interface, so the in-memory
// and SQLite implementations are interchangeable.
type Repository interface {
	remote.Backend
	remote.SchemaFetcher

	// CreateVariant stores the first revision of a new variant, or a new
	// revision under an existing VariantID. Empty ids are generated.
	CreateVariant(ctx context.Context, v *models.Variant) error

	// Revision history, oldest first.
	ListRevisions(ctx context.Context, variantID string) ([]models.Variant, error)
	GetRevision(ctx context.Context, id string) (*models.Variant, error)

	PutSchema(ctx context.Context, sc models.Schema) error
	SetRouting(ctx context.Context, r models.Routing) error

	// Selection is the list of revision ids the playground shows.
	GetSelection(ctx context.Context) ([]string, error)
	PutSelection(ctx context.Context, ids []string) error

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the repository.
	Close() error
}

// ErrExists is returned when a revision id is already taken.
var ErrExists = errors.New("revision already exists")

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// Is lets errors.Is match remote.ErrNotFound so callers of the backend
// boundary see the same sentinel as the HTTP client returns.
func (e *ErrNotFound) Is(target error) bool {
	return target == remote.ErrNotFound
}

// SelectionWriter adapts a Repository to the playground selection sink.
type SelectionWriter struct {
	Repo    Repository
	Timeout time.Duration
}

// WriteSelection persists ids.
func (w SelectionWriter) WriteSelection(ids []string) error {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return w.Repo.PutSelection(ctx, ids)
}
