package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentoven/playground/internal/remote"
	"github.com/agentoven/agentoven/playground/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Revisions map[string][]*models.Variant `json:"revisions"` // key: variant_id → revision history (oldest first)
	Schema    *models.Schema               `json:"schema,omitempty"`
	Routing   *models.Routing              `json:"routing,omitempty"`
	Selection []string                     `json:"selection"`
}

// MemoryRepository implements Repository with in-memory maps.
type MemoryRepository struct {
	mu        sync.RWMutex
	revisions map[string][]*models.Variant // key: variant_id
	byID      map[string]*models.Variant   // key: revision id
	schema    *models.Schema
	routing   *models.Routing
	selection []string
	lastStamp time.Time

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{}
	loopDone     chan struct{}
	saveDelay    time.Duration
}

// NewMemoryRepository creates an in-memory repository. When dataDir is set,
// data is persisted to dataDir/data.json and reloaded on start.
func NewMemoryRepository(dataDir string) *MemoryRepository {
	m := newMemoryRepository()

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		m.loopDone = make(chan struct{})
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory repository configured")
	return m
}

func newMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		revisions: make(map[string][]*models.Variant),
		byID:      make(map[string]*models.Variant),
		selection: []string{},
		saveCh:    make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
		saveDelay: 500 * time.Millisecond,
	}
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryRepository) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per saveDelay).
func (m *MemoryRepository) saveLoop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-m.doneCh:
				return
			case <-time.After(m.saveDelay):
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryRepository) exportState() snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := snapshot{
		Revisions: make(map[string][]*models.Variant, len(m.revisions)),
		Selection: append([]string{}, m.selection...),
	}
	for k, hist := range m.revisions {
		cp := make([]*models.Variant, len(hist))
		for i, v := range hist {
			c := v.Clone()
			cp[i] = &c
		}
		snap.Revisions[k] = cp
	}
	if m.schema != nil {
		sc := *m.schema
		snap.Schema = &sc
	}
	if m.routing != nil {
		r := *m.routing
		snap.Routing = &r
	}
	return snap
}

func (m *MemoryRepository) importState(snap snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Revisions != nil {
		m.revisions = snap.Revisions
	}
	m.byID = make(map[string]*models.Variant)
	for _, hist := range m.revisions {
		for _, v := range hist {
			m.byID[v.ID] = v
			if v.CreatedAt.After(m.lastStamp) {
				m.lastStamp = v.CreatedAt
			}
		}
	}
	m.schema = snap.Schema
	m.routing = snap.Routing
	if snap.Selection != nil {
		m.selection = snap.Selection
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryRepository) saveSnapshot() {
	data, err := json.MarshalIndent(m.exportState(), "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryRepository) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}
	m.importState(snap)

	log.Info().
		Int("variants", len(m.revisions)).
		Int("revisions", len(m.byID)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

// stamp returns a strictly increasing timestamp so the latest revision of a
// variant is always well defined. Caller holds mu.
func (m *MemoryRepository) stamp() time.Time {
	now := time.Now().UTC()
	if !now.After(m.lastStamp) {
		now = m.lastStamp.Add(time.Microsecond)
	}
	m.lastStamp = now
	return now
}

func nextRevision(hist []*models.Variant) int {
	n := 0
	for _, v := range hist {
		if v.Revision > n {
			n = v.Revision
		}
	}
	return n + 1
}

// ── Backend ─────────────────────────────────────────────────

// Fetch implements remote.Fetcher. Unknown ids are skipped.
func (m *MemoryRepository) Fetch(_ context.Context, req remote.FetchRequest) (*remote.FetchResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	resp := &remote.FetchResponse{Variants: []models.Variant{}}
	if len(req.IDs) > 0 {
		for _, id := range req.IDs {
			if v, ok := m.byID[id]; ok {
				resp.Variants = append(resp.Variants, v.Clone())
			}
		}
	} else {
		skip := make(map[string]bool, len(req.Exclude))
		for _, id := range req.Exclude {
			skip[id] = true
		}
		all := make([]*models.Variant, 0, len(m.byID))
		for id, v := range m.byID {
			if !skip[id] {
				all = append(all, v)
			}
		}
		sort.Slice(all, func(i, j int) bool {
			if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
				return all[i].CreatedAt.After(all[j].CreatedAt)
			}
			return all[i].ID < all[j].ID
		})
		if req.Limit > 0 && len(all) > req.Limit {
			all = all[:req.Limit]
		}
		for _, v := range all {
			resp.Variants = append(resp.Variants, v.Clone())
		}
	}
	if m.schema != nil {
		sc := *m.schema
		resp.Schema = &sc
	}
	if m.routing != nil {
		r := *m.routing
		resp.Routing = &r
	}
	return resp, nil
}

// FetchSchema implements remote.SchemaFetcher. An empty uri matches the
// stored schema.
func (m *MemoryRepository) FetchSchema(_ context.Context, uri string) (*models.Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.schema == nil || (uri != "" && m.schema.URI != "" && m.schema.URI != uri) {
		return nil, &ErrNotFound{Entity: "schema", Key: uri}
	}
	sc := *m.schema
	return &sc, nil
}

// Commit implements remote.Mutator. The saved copy is a new revision under
// the same VariantID with the next revision number.
func (m *MemoryRepository) Commit(_ context.Context, v *models.Variant) (*models.Variant, error) {
	m.mu.Lock()
	parent, ok := m.byID[v.ID]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "variant", Key: v.ID}
	}
	rev := v.Clone()
	rev.ID = uuid.New().String()
	rev.VariantID = parent.VariantID
	rev.Revision = nextRevision(m.revisions[parent.VariantID])
	rev.CreatedAt = m.stamp()
	rev.UpdatedAt = rev.CreatedAt
	rev.IsMutating = false
	rev.IsLatestRevision = false
	m.revisions[rev.VariantID] = append(m.revisions[rev.VariantID], &rev)
	m.byID[rev.ID] = &rev
	out := rev.Clone()
	m.mu.Unlock()

	m.requestSave()
	log.Info().Str("id", out.ID).Str("variant_id", out.VariantID).Int("revision", out.Revision).Msg("Revision committed")
	return &out, nil
}

// Delete implements remote.Mutator. It removes one revision.
func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	v, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "variant", Key: id}
	}
	delete(m.byID, id)
	hist := m.revisions[v.VariantID]
	kept := hist[:0]
	for _, h := range hist {
		if h.ID != id {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(m.revisions, v.VariantID)
	} else {
		m.revisions[v.VariantID] = kept
	}
	sel := m.selection[:0]
	for _, s := range m.selection {
		if s != id {
			sel = append(sel, s)
		}
	}
	m.selection = sel
	m.mu.Unlock()

	m.requestSave()
	return nil
}

// ── Revisions ───────────────────────────────────────────────

// CreateVariant stores v as a new revision.
func (m *MemoryRepository) CreateVariant(_ context.Context, v *models.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if _, ok := m.byID[v.ID]; ok {
		return fmt.Errorf("create variant %s: %w", v.ID, ErrExists)
	}
	if v.VariantID == "" {
		v.VariantID = uuid.New().String()
	}
	if v.Revision == 0 {
		v.Revision = nextRevision(m.revisions[v.VariantID])
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.stamp()
	} else if v.CreatedAt.After(m.lastStamp) {
		m.lastStamp = v.CreatedAt
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}
	if v.Parameters == nil {
		v.Parameters = map[string]interface{}{}
	}
	rev := v.Clone()
	rev.IsMutating = false
	rev.IsLatestRevision = false
	m.revisions[rev.VariantID] = append(m.revisions[rev.VariantID], &rev)
	m.byID[rev.ID] = &rev

	m.requestSave()
	return nil
}

// ListRevisions returns the history of variantID, oldest first.
func (m *MemoryRepository) ListRevisions(_ context.Context, variantID string) ([]models.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist, ok := m.revisions[variantID]
	if !ok {
		return nil, &ErrNotFound{Entity: "variant", Key: variantID}
	}
	out := make([]models.Variant, len(hist))
	for i, v := range hist {
		out[i] = v.Clone()
	}
	return out, nil
}

func (m *MemoryRepository) GetRevision(_ context.Context, id string) (*models.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.byID[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "variant", Key: id}
	}
	cp := v.Clone()
	return &cp, nil
}

// ── Schema / Routing / Selection ────────────────────────────

func (m *MemoryRepository) PutSchema(_ context.Context, sc models.Schema) error {
	m.mu.Lock()
	sc.Inputs = append([]string(nil), sc.Inputs...)
	sc.Properties = models.CloneTree(sc.Properties)
	m.schema = &sc
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryRepository) SetRouting(_ context.Context, r models.Routing) error {
	m.mu.Lock()
	if r.Headers != nil {
		h := make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			h[k] = v
		}
		r.Headers = h
	}
	m.routing = &r
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryRepository) GetSelection(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.selection...), nil
}

func (m *MemoryRepository) PutSelection(_ context.Context, ids []string) error {
	m.mu.Lock()
	m.selection = append([]string{}, ids...)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryRepository) Ping(_ context.Context) error { return nil }

// Close stops the save loop and flushes a final snapshot.
func (m *MemoryRepository) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.loopDone != nil {
		<-m.loopDone
	}
	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory repository closed")
	return nil
}
