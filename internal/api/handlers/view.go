package handlers

import (
	"github.com/agentoven/agentoven/playground/internal/playground"
	"github.com/agentoven/agentoven/playground/pkg/models"
)

// VariantView is a resolved entity with its dirty flag.
type VariantView struct {
	models.Variant
	IsDirty bool `json:"is_dirty"`
}

// StateView is the JSON shape of a published snapshot with CAS references
// resolved.
type StateView struct {
	Version       uint64                       `json:"version"`
	Selected      []string                     `json:"selected"`
	Variants      []VariantView                `json:"variants"`
	Revisions     []models.RevisionRef         `json:"revisions"`
	Schema        *models.Schema               `json:"schema,omitempty"`
	Routing       models.Routing               `json:"routing"`
	IsChat        bool                         `json:"is_chat"`
	InputKeys     []string                     `json:"input_keys"`
	Rows          []models.GenerationRow       `json:"rows,omitempty"`
	Messages      []models.MessageRow          `json:"messages,omitempty"`
	Results       map[string]models.TestResult `json:"results,omitempty"`
	Load          models.LoadStatus            `json:"load"`
	Error         string                       `json:"error,omitempty"`
	Notifications []models.Notification        `json:"notifications,omitempty"`
}

// NewStateView resolves st.
func NewStateView(st *playground.State) StateView {
	v := StateView{
		Version:       st.Version,
		Selected:      append([]string{}, st.Selected...),
		Variants:      make([]VariantView, 0, len(st.Selected)),
		Revisions:     st.Revisions,
		Routing:       st.Routing,
		IsChat:        st.IsChat,
		InputKeys:     st.InputKeys,
		Rows:          st.Rows,
		Messages:      st.Messages,
		Load:          st.Load,
		Error:         st.Error,
		Notifications: st.Notifications,
	}
	for _, e := range st.SelectedVariants() {
		v.Variants = append(v.Variants, VariantView{Variant: e, IsDirty: st.Dirty[e.ID]})
	}
	if sc, ok := st.Schema(); ok {
		v.Schema = &sc
	}
	v.Results = collectResults(st)
	return v
}

func collectResults(st *playground.State) map[string]models.TestResult {
	out := make(map[string]models.TestResult)
	add := func(runs map[string]models.Run) {
		for _, run := range runs {
			if run.Result == "" {
				continue
			}
			if _, ok := out[run.Result]; ok {
				continue
			}
			if res, ok := st.Result(run.Result); ok {
				out[run.Result] = res
			}
		}
	}
	for _, row := range st.Rows {
		add(row.Runs)
	}
	for _, row := range st.Messages {
		for _, h := range row.History {
			add(h.Runs)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
