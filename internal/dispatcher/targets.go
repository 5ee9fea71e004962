package dispatcher

import (
	"fmt"

	"github.com/agentoven/agentoven/playground/internal/playground"
	"github.com/agentoven/agentoven/playground/pkg/models"
)

// pair is one resolved (variant, row[, message]) run.
type pair struct {
	key      key
	variant  models.Variant
	inputs   map[string]string
	messages []ChatMessage
}

// resolve expands t against the draft.
func resolve(dr *playground.Draft, t Target) ([]pair, error) {
	var variants []models.Variant
	if t.VariantID != "" {
		v, ok := dr.Variant(t.VariantID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", playground.ErrUnknownVariant, t.VariantID)
		}
		variants = []models.Variant{v}
	} else {
		variants = dr.SelectedVariants()
	}

	var (
		out   []pair
		found bool
	)
	if dr.IsChat {
		for _, row := range dr.Messages {
			if t.RowID != "" && row.ID != t.RowID {
				continue
			}
			found = true
			ti := lastAsked(row)
			if ti < 0 {
				continue
			}
			turn := row.History[ti]
			for _, v := range variants {
				out = append(out, pair{
					key:      key{VariantID: v.ID, RowID: row.ID, MessageID: turn.ID},
					variant:  v,
					inputs:   inputMap(row.Inputs),
					messages: history(dr.State, row, ti, v.ID),
				})
			}
		}
	} else {
		for _, row := range dr.Rows {
			if t.RowID != "" && row.ID != t.RowID {
				continue
			}
			found = true
			for _, v := range variants {
				out = append(out, pair{
					key:     key{VariantID: v.ID, RowID: row.ID},
					variant: v,
					inputs:  inputMap(row.Inputs),
				})
			}
		}
	}

	if t.RowID != "" && !found {
		return nil, fmt.Errorf("%w: %s", playground.ErrUnknownRow, t.RowID)
	}
	if len(out) == 0 {
		return nil, ErrNoTargets
	}
	return out, nil
}

// lastAsked returns the index of the last turn with content, or -1.
func lastAsked(row models.MessageRow) int {
	for i := len(row.History) - 1; i >= 0; i-- {
		if row.History[i].Content != "" {
			return i
		}
	}
	return -1
}

// history builds the conversation sent for turn ti: every turn up to it,
// with this variant's earlier answers interleaved.
func history(s *playground.State, row models.MessageRow, ti int, variantID string) []ChatMessage {
	msgs := make([]ChatMessage, 0, 2*ti+1)
	for i := 0; i <= ti; i++ {
		h := row.History[i]
		msgs = append(msgs, ChatMessage{Role: h.Role, Content: h.Content})
		if i == ti {
			break
		}
		if run, ok := h.Runs[variantID]; ok && run.Result != "" {
			if res, ok := s.Result(run.Result); ok && res.Error == nil {
				msgs = append(msgs, ChatMessage{Role: playground.RoleAssistant, Content: res.Output})
			}
		}
	}
	return msgs
}

func inputMap(inputs []models.InputValue) map[string]string {
	m := make(map[string]string, len(inputs))
	for _, in := range inputs {
		m[in.Key] = in.Value
	}
	return m
}

func getRun(s *playground.State, k key) models.Run {
	if k.MessageID == "" {
		row, ok := s.Row(k.RowID)
		if !ok {
			return models.Run{}
		}
		return row.Runs[k.VariantID]
	}
	row, ok := s.MessageRow(k.RowID)
	if !ok {
		return models.Run{}
	}
	for _, h := range row.History {
		if h.ID == k.MessageID {
			return h.Runs[k.VariantID]
		}
	}
	return models.Run{}
}

func setRun(dr *playground.Draft, k key, run models.Run) {
	var runs *map[string]models.Run
	if k.MessageID == "" {
		row, err := dr.GenerationRow(k.RowID)
		if err != nil {
			return
		}
		runs = &row.Runs
	} else {
		turn, err := dr.Turn(k.RowID, k.MessageID)
		if err != nil {
			return
		}
		runs = &turn.Runs
	}
	if *runs == nil {
		*runs = make(map[string]models.Run)
	}
	if run == (models.Run{}) {
		delete(*runs, k.VariantID)
		return
	}
	(*runs)[k.VariantID] = run
}

func isLastTurn(row *models.MessageRow, messageID string) bool {
	n := len(row.History)
	return n > 0 && row.History[n-1].ID == messageID
}
