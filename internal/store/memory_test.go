package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentoven/agentoven/playground/internal/remote"
	"github.com/agentoven/agentoven/playground/internal/store"
	"github.com/agentoven/agentoven/playground/pkg/models"
)

// newTestRepo creates a fresh in-memory repository with no persistence.
func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	r := store.NewMemoryRepository("")
	t.Cleanup(func() { r.Close() })
	return r
}

func create(t *testing.T, r store.Repository, v *models.Variant) *models.Variant {
	t.Helper()
	if err := r.CreateVariant(context.Background(), v); err != nil {
		t.Fatalf("CreateVariant() error = %v", err)
	}
	return v
}

// ─── Revisions ───────────────────────────────────────────────

func TestCreateAndGetRevision(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	v := create(t, r, &models.Variant{Name: "capitals", Parameters: map[string]interface{}{"temperature": 0.2}})
	if v.ID == "" || v.VariantID == "" {
		t.Fatalf("ids not generated: %+v", v)
	}
	if v.Revision != 1 {
		t.Errorf("Revision = %d, want 1", v.Revision)
	}

	got, err := r.GetRevision(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetRevision() error = %v", err)
	}
	if got.Name != "capitals" || got.Parameters["temperature"] != 0.2 {
		t.Errorf("GetRevision() = %+v", got)
	}
}

func TestCreateVariant_DuplicateID(t *testing.T) {
	r := newTestRepo(t)
	create(t, r, &models.Variant{ID: "a"})
	if err := r.CreateVariant(context.Background(), &models.Variant{ID: "a"}); !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestGetRevision_NotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.GetRevision(context.Background(), "ghost")
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected *ErrNotFound, got %v", err)
	}
	if nf.Entity != "variant" || nf.Key != "ghost" {
		t.Errorf("unexpected ErrNotFound: %+v", nf)
	}
	if !errors.Is(err, remote.ErrNotFound) {
		t.Error("ErrNotFound should match remote.ErrNotFound")
	}
}

func TestCommit_AppendsRevision(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	v := create(t, r, &models.Variant{Name: "capitals", Parameters: map[string]interface{}{"temperature": 0.2}})
	edited := v.Clone()
	edited.Parameters["temperature"] = 0.9
	edited.IsMutating = true

	saved, err := r.Commit(ctx, &edited)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if saved.ID == v.ID {
		t.Error("Commit() should mint a new revision id")
	}
	if saved.VariantID != v.VariantID || saved.Revision != 2 {
		t.Errorf("Commit() = %+v", saved)
	}
	if saved.IsMutating {
		t.Error("saved revision should not be mutating")
	}
	if !saved.CreatedAt.After(v.CreatedAt) {
		t.Error("new revision should be created after its parent")
	}

	hist, err := r.ListRevisions(ctx, v.VariantID)
	if err != nil {
		t.Fatalf("ListRevisions() error = %v", err)
	}
	if len(hist) != 2 || hist[0].ID != v.ID || hist[1].ID != saved.ID {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if hist[0].Parameters["temperature"] != 0.2 {
		t.Error("older revision must keep its parameters")
	}
}

func TestCommit_UnknownParent(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.Commit(context.Background(), &models.Variant{ID: "ghost"}); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDelete_RemovesRevisionAndSelection(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := create(t, r, &models.Variant{ID: "a"})
	create(t, r, &models.Variant{ID: "b"})
	if err := r.PutSelection(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("PutSelection() error = %v", err)
	}

	if err := r.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := r.ListRevisions(ctx, a.VariantID); err == nil {
		t.Error("history should be gone after deleting its only revision")
	}
	sel, _ := r.GetSelection(ctx)
	if len(sel) != 1 || sel[0] != "b" {
		t.Errorf("GetSelection() = %v, want [b]", sel)
	}
	if err := r.Delete(ctx, "a"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("second Delete() = %v, want not found", err)
	}
}

// ─── Fetch ───────────────────────────────────────────────────

func TestFetch_ByIDsSkipsMissing(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	create(t, r, &models.Variant{ID: "a"})
	create(t, r, &models.Variant{ID: "b"})
	if err := r.SetRouting(ctx, models.Routing{BaseURL: "http://svc"}); err != nil {
		t.Fatalf("SetRouting() error = %v", err)
	}

	resp, err := r.Fetch(ctx, remote.FetchRequest{IDs: []string{"b", "missing", "a"}})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(resp.Variants) != 2 || resp.Variants[0].ID != "b" || resp.Variants[1].ID != "a" {
		t.Errorf("Fetch() variants = %+v", resp.Variants)
	}
	if resp.Routing == nil || resp.Routing.BaseURL != "http://svc" {
		t.Errorf("Fetch() routing = %+v", resp.Routing)
	}
}

func TestFetch_LimitAndExclude(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	create(t, r, &models.Variant{ID: "old", CreatedAt: base})
	create(t, r, &models.Variant{ID: "mid", CreatedAt: base.Add(time.Hour)})
	create(t, r, &models.Variant{ID: "new", CreatedAt: base.Add(2 * time.Hour)})

	resp, err := r.Fetch(ctx, remote.FetchRequest{Limit: 1})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(resp.Variants) != 1 || resp.Variants[0].ID != "new" {
		t.Errorf("Fetch(limit 1) = %+v, want [new]", resp.Variants)
	}

	resp, err = r.Fetch(ctx, remote.FetchRequest{Exclude: []string{"mid"}})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(resp.Variants) != 2 || resp.Variants[0].ID != "new" || resp.Variants[1].ID != "old" {
		t.Errorf("Fetch(exclude) = %+v", resp.Variants)
	}
}

func TestFetch_ReturnsCopies(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	create(t, r, &models.Variant{ID: "a", Parameters: map[string]interface{}{"k": "v"}})

	resp, _ := r.Fetch(ctx, remote.FetchRequest{IDs: []string{"a"}})
	resp.Variants[0].Parameters["k"] = "changed"

	got, _ := r.GetRevision(ctx, "a")
	if got.Parameters["k"] != "v" {
		t.Error("mutating a fetched variant leaked into the repository")
	}
}

func TestFetchSchema(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.FetchSchema(ctx, ""); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected not found before PutSchema, got %v", err)
	}
	if err := r.PutSchema(ctx, models.Schema{URI: "svc://capitals", Inputs: []string{"country"}}); err != nil {
		t.Fatalf("PutSchema() error = %v", err)
	}
	sc, err := r.FetchSchema(ctx, "svc://capitals")
	if err != nil {
		t.Fatalf("FetchSchema() error = %v", err)
	}
	if len(sc.Inputs) != 1 || sc.Inputs[0] != "country" {
		t.Errorf("FetchSchema() = %+v", sc)
	}
	if _, err := r.FetchSchema(ctx, "svc://other"); err == nil {
		t.Error("expected error for a different uri")
	}
}

// ─── Persistence ─────────────────────────────────────────────

func TestMemoryRepository_SnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	r := store.NewMemoryRepository(dir)
	create(t, r, &models.Variant{ID: "a", Name: "capitals"})
	if err := r.PutSelection(ctx, []string{"a"}); err != nil {
		t.Fatalf("PutSelection() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := store.NewMemoryRepository(dir)
	defer reopened.Close()
	got, err := reopened.GetRevision(ctx, "a")
	if err != nil {
		t.Fatalf("GetRevision() after reload error = %v", err)
	}
	if got.Name != "capitals" {
		t.Errorf("GetRevision().Name = %q, want capitals", got.Name)
	}
	sel, _ := reopened.GetSelection(ctx)
	if len(sel) != 1 || sel[0] != "a" {
		t.Errorf("GetSelection() after reload = %v", sel)
	}
}

func TestSQLiteRepository_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playground.db")
	ctx := context.Background()

	r, err := store.NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	if err := r.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	v := create(t, r, &models.Variant{ID: "a", Name: "capitals"})
	saved, err := r.Commit(ctx, v)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := r.SetRouting(ctx, models.Routing{BaseURL: "http://svc"}); err != nil {
		t.Fatalf("SetRouting() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := store.NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("NewSQLiteRepository() reopen error = %v", err)
	}
	defer reopened.Close()

	hist, err := reopened.ListRevisions(ctx, v.VariantID)
	if err != nil {
		t.Fatalf("ListRevisions() error = %v", err)
	}
	if len(hist) != 2 || hist[1].ID != saved.ID {
		t.Errorf("history after reopen = %+v", hist)
	}
	resp, _ := reopened.Fetch(ctx, remote.FetchRequest{IDs: []string{"a"}})
	if resp.Routing == nil || resp.Routing.BaseURL != "http://svc" {
		t.Errorf("routing after reopen = %+v", resp.Routing)
	}

	// A commit after reopen keeps numbering from the stored history.
	next, err := reopened.Commit(ctx, saved)
	if err != nil {
		t.Fatalf("Commit() after reopen error = %v", err)
	}
	if next.Revision != 3 {
		t.Errorf("Revision after reopen = %d, want 3", next.Revision)
	}
}

func TestSelectionWriter(t *testing.T) {
	r := newTestRepo(t)
	w := store.SelectionWriter{Repo: r}
	if err := w.WriteSelection([]string{"x", "y"}); err != nil {
		t.Fatalf("WriteSelection() error = %v", err)
	}
	sel, _ := r.GetSelection(context.Background())
	if len(sel) != 2 || sel[0] != "x" {
		t.Errorf("GetSelection() = %v", sel)
	}
}
