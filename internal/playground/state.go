package playground

import (
	"sync"
	"time"

	"github.com/agentoven/agentoven/playground/internal/cas"
	"github.com/agentoven/agentoven/playground/internal/compare"
	"github.com/agentoven/agentoven/playground/internal/dirty"
	"github.com/agentoven/agentoven/playground/internal/hasher"
	"github.com/agentoven/agentoven/playground/pkg/models"
)

// maxNotifications bounds the notification log kept on a snapshot.
const maxNotifications = 20

// State is one published snapshot. Published states are never modified;
// every mutation works on a clone.
//
// Entities hold only CAS references. The CAS owns the values.
type State struct {
	Version uint64 `json:"version"`

	// Entities maps every loaded entity id to the reference of its current
	// local snapshot. Deselected entities stay here so local edits survive.
	Entities  map[string]string    `json:"entities"`
	Selected  []string             `json:"selected"`
	Revisions []models.RevisionRef `json:"revisions"`

	SchemaRef string         `json:"schema_ref,omitempty"`
	Routing   models.Routing `json:"routing"`
	IsChat    bool           `json:"is_chat"`

	InputKeys []string               `json:"input_keys"`
	Rows      []models.GenerationRow `json:"rows,omitempty"`
	Messages  []models.MessageRow    `json:"messages,omitempty"`

	Dirty     map[string]bool           `json:"dirty"`
	Baselines map[string]dirty.Baseline `json:"-"`

	Load          models.LoadStatus     `json:"load"`
	Error         string                `json:"error,omitempty"`
	Notifications []models.Notification `json:"notifications,omitempty"`

	cas *cas.Registry
	gen *genMemo
}

type genMemo struct {
	once sync.Once
	ref  string
}

func newState(reg *cas.Registry) *State {
	return &State{
		Entities:  make(map[string]string),
		Dirty:     make(map[string]bool),
		Baselines: make(map[string]dirty.Baseline),
		Load:      models.LoadStatus{Phase: models.LoadIdle},
		cas:       reg,
		gen:       &genMemo{},
	}
}

// clone returns a deep copy that can be edited freely.
func (s *State) clone() *State {
	cp := &State{
		Version:   s.Version,
		Entities:  make(map[string]string, len(s.Entities)),
		Selected:  append([]string(nil), s.Selected...),
		Revisions: append([]models.RevisionRef(nil), s.Revisions...),
		SchemaRef: s.SchemaRef,
		Routing:   s.Routing,
		IsChat:    s.IsChat,
		InputKeys: append([]string(nil), s.InputKeys...),
		Dirty:     make(map[string]bool, len(s.Dirty)),
		Baselines: make(map[string]dirty.Baseline, len(s.Baselines)),
		Load:      s.Load,
		Error:     s.Error,
		cas:       s.cas,
		gen:       &genMemo{},
	}
	for k, v := range s.Entities {
		cp.Entities[k] = v
	}
	for k, v := range s.Dirty {
		cp.Dirty[k] = v
	}
	for k, v := range s.Baselines {
		cp.Baselines[k] = v
	}
	if s.Routing.Headers != nil {
		cp.Routing.Headers = make(map[string]string, len(s.Routing.Headers))
		for k, v := range s.Routing.Headers {
			cp.Routing.Headers[k] = v
		}
	}
	if s.Rows != nil {
		cp.Rows = make([]models.GenerationRow, len(s.Rows))
		for i, r := range s.Rows {
			cp.Rows[i] = r.Clone()
		}
	}
	if s.Messages != nil {
		cp.Messages = make([]models.MessageRow, len(s.Messages))
		for i, r := range s.Messages {
			cp.Messages[i] = r.Clone()
		}
	}
	cp.Notifications = append([]models.Notification(nil), s.Notifications...)
	return cp
}

// ── compare.Source ──────────────────────────────────────────

// EntityRef returns the local snapshot reference, falling back to the
// revision index for entities never loaded in full.
func (s *State) EntityRef(id string) string {
	if ref, ok := s.Entities[id]; ok {
		return ref
	}
	for _, r := range s.Revisions {
		if r.ID == id {
			return r.Ref
		}
	}
	return ""
}

// Entity resolves an entity through the CAS.
func (s *State) Entity(id string) (models.Variant, bool) {
	ref := s.EntityRef(id)
	if ref == "" || s.cas == nil {
		return models.Variant{}, false
	}
	return s.cas.Entities.Get(ref)
}

// CollectionIDs returns the ids of a named collection.
func (s *State) CollectionIDs(name string) []string {
	switch name {
	case compare.CollectionVariants:
		return s.Selected
	case compare.CollectionRevisions:
		ids := make([]string, len(s.Revisions))
		for i, r := range s.Revisions {
			ids[i] = r.ID
		}
		return ids
	default:
		return nil
	}
}

// GenerationRef hashes rows, messages, input keys and dirty flags. Computed
// once per snapshot.
func (s *State) GenerationRef() string {
	s.gen.once.Do(func() {
		s.gen.ref = hasher.Value(struct {
			Keys     []string               `json:"k"`
			Rows     []models.GenerationRow `json:"r"`
			Messages []models.MessageRow    `json:"m"`
			Dirty    map[string]bool        `json:"d"`
		}{s.InputKeys, s.Rows, s.Messages, s.Dirty})
	})
	return s.gen.ref
}

// ── Accessors ───────────────────────────────────────────────

// SelectedVariants resolves the active selection in order.
func (s *State) SelectedVariants() []models.Variant {
	out := make([]models.Variant, 0, len(s.Selected))
	for _, id := range s.Selected {
		if v, ok := s.Entity(id); ok {
			out = append(out, v)
		}
	}
	return out
}

// IsSelected reports whether id is in the active selection.
func (s *State) IsSelected(id string) bool {
	return indexOf(s.Selected, id) >= 0
}

// Revision resolves a revision index entry to its remote copy.
func (s *State) Revision(r models.RevisionRef) (models.Variant, bool) {
	if r.Ref == "" || s.cas == nil {
		return models.Variant{}, false
	}
	return s.cas.Entities.Get(r.Ref)
}

// Schema resolves the schema descriptor.
func (s *State) Schema() (models.Schema, bool) {
	if s.SchemaRef == "" || s.cas == nil {
		return models.Schema{}, false
	}
	return s.cas.Metadata.Get(s.SchemaRef)
}

// Row returns a generation row by id.
func (s *State) Row(id string) (models.GenerationRow, bool) {
	for _, r := range s.Rows {
		if r.ID == id {
			return r, true
		}
	}
	return models.GenerationRow{}, false
}

// MessageRow returns a chat row by id.
func (s *State) MessageRow(id string) (models.MessageRow, bool) {
	for _, r := range s.Messages {
		if r.ID == id {
			return r, true
		}
	}
	return models.MessageRow{}, false
}

// Result resolves a result reference.
func (s *State) Result(ref string) (models.TestResult, bool) {
	if ref == "" || s.cas == nil {
		return models.TestResult{}, false
	}
	return s.cas.Results.Get(ref)
}

// ── Draft ───────────────────────────────────────────────────

// Draft is the mutable clone handed to an update function.
type Draft struct {
	*State
	now func() time.Time
}

// Variant returns an editable copy of an entity.
func (d *Draft) Variant(id string) (models.Variant, bool) {
	return d.Entity(id)
}

// PutVariant stores v in the CAS and points the entity at it.
func (d *Draft) PutVariant(v models.Variant) (string, error) {
	ref, err := d.cas.Entities.Put(v)
	if err != nil {
		return "", err
	}
	d.Entities[v.ID] = ref
	return ref, nil
}

// PutRevision stores a remote copy in the CAS without touching the local
// entity. Used for the revision index.
func (d *Draft) PutRevision(v models.Variant) (string, error) {
	return d.cas.Entities.Put(v)
}

// PutResult stores a test result and returns its reference.
func (d *Draft) PutResult(r models.TestResult) (string, error) {
	return d.cas.Results.Put(r)
}

// PutSchema stores a schema descriptor and points the state at it.
func (d *Draft) PutSchema(sc models.Schema) error {
	ref, err := d.cas.Metadata.Put(sc)
	if err != nil {
		return err
	}
	d.SchemaRef = ref
	return nil
}

// Select replaces the active selection. Unknown ids are dropped.
func (d *Draft) Select(ids ...string) {
	sel := make([]string, 0, len(ids))
	for _, id := range ids {
		if d.EntityRef(id) == "" || indexOf(sel, id) >= 0 {
			continue
		}
		if _, ok := d.Entities[id]; !ok {
			d.Entities[id] = d.EntityRef(id)
		}
		sel = append(sel, id)
	}
	d.Selected = sel
}

// Notify appends a user-facing notification.
func (d *Draft) Notify(level models.NotificationLevel, variantID, msg string) {
	d.Notifications = append(d.Notifications, models.Notification{
		Level:     level,
		Message:   msg,
		VariantID: variantID,
		CreatedAt: d.now(),
	})
	if n := len(d.Notifications); n > maxNotifications {
		d.Notifications = d.Notifications[n-maxNotifications:]
	}
}

// Adopt marks v as the last-synced baseline for its id.
func (d *Draft) Adopt(v models.Variant) {
	d.Baselines[v.ID] = dirty.Adopt(v)
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}
