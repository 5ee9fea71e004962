package playground

import (
	"github.com/agentoven/agentoven/playground/internal/dirty"
	"github.com/agentoven/agentoven/playground/pkg/models"
	"github.com/google/uuid"
)

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// reconcile runs the post-update steps in order: input-key resync, chat
// trailing turn, run carry-forward and dirty recompute.
func reconcile(prev *State, d *Draft) {
	active := d.SelectedVariants()
	d.IsChat = isChat(d.State, active)

	keys := inputKeys(d.State, active)
	keysChanged := !equalStrings(keys, d.InputKeys)
	d.InputKeys = keys
	if keysChanged || !rowsMatch(d.State, keys) {
		syncInputs(d.State, keys)
	}
	seedRows(d.State, len(active) > 0)

	if d.IsChat {
		for i := range d.Messages {
			EnsureTrailingTurn(&d.Messages[i])
		}
	}

	if !equalStrings(prev.Selected, d.Selected) {
		carryRuns(prev.Selected, d.Selected, d.State)
	}

	recomputeDirty(d.State)
}

// isChat is true when the schema or any active variant is chat-style.
func isChat(s *State, active []models.Variant) bool {
	if sc, ok := s.Schema(); ok && sc.IsChat {
		return true
	}
	for _, v := range active {
		if v.IsChat {
			return true
		}
	}
	return false
}

// inputKeys returns the union of the inputs required by the active
// selection, in first-seen order. Custom workloads declare inputs in the
// schema; the rest use prompt placeholders.
func inputKeys(s *State, active []models.Variant) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sc, hasSchema := s.Schema()
	for _, v := range active {
		if v.IsCustom && hasSchema && len(sc.Inputs) > 0 {
			for _, k := range sc.Inputs {
				add(k)
			}
			continue
		}
		for _, k := range models.ExtractTreeVariables(v.Parameters) {
			add(k)
		}
	}
	return keys
}

func rowsMatch(s *State, keys []string) bool {
	match := func(inputs []models.InputValue) bool {
		if len(inputs) != len(keys) {
			return false
		}
		for i, in := range inputs {
			if in.Key != keys[i] {
				return false
			}
		}
		return true
	}
	for _, r := range s.Rows {
		if !match(r.Inputs) {
			return false
		}
	}
	for _, r := range s.Messages {
		if !match(r.Inputs) {
			return false
		}
	}
	return true
}

// syncInputs rewrites every row's inputs to keys, keeping the id and value
// of keys that still exist.
func syncInputs(s *State, keys []string) {
	for i := range s.Rows {
		s.Rows[i].Inputs = resyncInputs(s.Rows[i].Inputs, keys)
	}
	for i := range s.Messages {
		s.Messages[i].Inputs = resyncInputs(s.Messages[i].Inputs, keys)
	}
}

func resyncInputs(existing []models.InputValue, keys []string) []models.InputValue {
	byKey := make(map[string]models.InputValue, len(existing))
	for _, in := range existing {
		byKey[in.Key] = in
	}
	out := make([]models.InputValue, 0, len(keys))
	for _, k := range keys {
		if in, ok := byKey[k]; ok {
			out = append(out, in)
			continue
		}
		out = append(out, models.InputValue{ID: uuid.NewString(), Key: k})
	}
	return out
}

// seedRows makes sure an active selection always has one test case to work
// with: a generation row, or a chat row with an opening user turn.
func seedRows(s *State, hasActive bool) {
	if !hasActive {
		return
	}
	if s.IsChat {
		if len(s.Messages) == 0 {
			s.Messages = []models.MessageRow{NewMessageRow(s.InputKeys)}
		}
		return
	}
	if len(s.Rows) == 0 {
		s.Rows = []models.GenerationRow{NewGenerationRow(s.InputKeys)}
	}
}

// NewGenerationRow creates an empty test case for keys.
func NewGenerationRow(keys []string) models.GenerationRow {
	return models.GenerationRow{
		ID:     uuid.NewString(),
		Inputs: resyncInputs(nil, keys),
		Runs:   make(map[string]models.Run),
	}
}

// NewMessageRow creates an empty chat test case with a single user turn.
func NewMessageRow(keys []string) models.MessageRow {
	return models.MessageRow{
		ID:      uuid.NewString(),
		Inputs:  resyncInputs(nil, keys),
		History: []models.HistoryItem{NewTurn()},
	}
}

// NewTurn creates an empty user turn.
func NewTurn() models.HistoryItem {
	return models.HistoryItem{ID: uuid.NewString(), Role: RoleUser, Runs: make(map[string]models.Run)}
}

// EnsureTrailingTurn appends an empty user turn once the last turn has been
// answered, so the conversation can always continue. It reports whether a
// turn was added.
func EnsureTrailingTurn(row *models.MessageRow) bool {
	if len(row.History) == 0 {
		row.History = append(row.History, NewTurn())
		return true
	}
	last := row.History[len(row.History)-1]
	if last.IsPlaceholder() || !answered(last) {
		return false
	}
	row.History = append(row.History, NewTurn())
	return true
}

// answered reports whether any run on the turn holds a result.
func answered(h models.HistoryItem) bool {
	for _, r := range h.Runs {
		if r.Result != "" {
			return true
		}
	}
	return false
}

// carryRuns moves finished chat run records to the variant that now occupies
// the same selection slot. Slots are matched by position; a variant still
// selected elsewhere keeps its own runs. In-flight records stay under the
// variant that was run so the dispatcher can still complete or expire them.
func carryRuns(prevSel, nextSel []string, s *State) {
	n := len(prevSel)
	if len(nextSel) < n {
		n = len(nextSel)
	}
	for i := 0; i < n; i++ {
		from, to := prevSel[i], nextSel[i]
		if from == to || indexOf(nextSel, from) >= 0 {
			continue
		}
		for r := range s.Messages {
			for h := range s.Messages[r].History {
				item := &s.Messages[r].History[h]
				run, ok := item.Runs[from]
				if !ok || run.Running != "" {
					continue
				}
				if _, taken := item.Runs[to]; !taken {
					item.Runs[to] = run
				}
				delete(item.Runs, from)
			}
		}
	}
}

func recomputeDirty(s *State) {
	entries := make([]dirty.Entry, 0, len(s.Entities))
	for id, ref := range s.Entities {
		ref := ref
		entries = append(entries, dirty.Entry{
			ID:  id,
			Ref: ref,
			Load: func() (models.Variant, bool) {
				return s.cas.Entities.Get(ref)
			},
		})
	}
	s.Dirty, s.Baselines = dirty.RecomputeEntries(entries, s.Baselines)
}

func equalStrings(a, b []string) bool {
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
