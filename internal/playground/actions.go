package playground

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentoven/agentoven/playground/pkg/models"
)

var (
	ErrUnknownVariant = errors.New("unknown variant")
	ErrUnknownRow     = errors.New("unknown row")
	ErrUnknownTurn    = errors.New("unknown turn")
)

// SetSelection replaces the active selection.
func (s *Store) SetSelection(ctx context.Context, ids []string) (*State, error) {
	return s.Mutate(ctx, Partial{Selected: append([]string{}, ids...)}, WithLabel("select"))
}

// UpdateParameter sets one parameter of a variant by dotted path.
func (s *Store) UpdateParameter(ctx context.Context, id, path string, value interface{}) (*State, error) {
	return s.Mutate(ctx, UpdateFunc(func(d *Draft) error {
		v, ok := d.Variant(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownVariant, id)
		}
		if v.Parameters == nil {
			v.Parameters = make(map[string]interface{})
		}
		if err := models.SetPath(v.Parameters, path, value); err != nil {
			return err
		}
		_, err := d.PutVariant(v)
		return err
	}), WithLabel("update_parameter"))
}

// ReplaceParameters swaps a variant's whole parameter tree.
func (s *Store) ReplaceParameters(ctx context.Context, id string, params map[string]interface{}) (*State, error) {
	return s.Mutate(ctx, UpdateFunc(func(d *Draft) error {
		v, ok := d.Variant(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownVariant, id)
		}
		v.Parameters = models.CloneTree(params)
		_, err := d.PutVariant(v)
		return err
	}), WithLabel("replace_parameters"))
}

// AddRow appends a test case and returns its id.
func (s *Store) AddRow(ctx context.Context) (*State, string, error) {
	var rowID string
	st, err := s.Mutate(ctx, UpdateFunc(func(d *Draft) error {
		if d.IsChat {
			row := NewMessageRow(d.InputKeys)
			rowID = row.ID
			d.Messages = append(d.Messages, row)
			return nil
		}
		row := NewGenerationRow(d.InputKeys)
		rowID = row.ID
		d.Rows = append(d.Rows, row)
		return nil
	}), WithLabel("add_row"))
	return st, rowID, err
}

// DeleteRow removes a test case.
func (s *Store) DeleteRow(ctx context.Context, rowID string) (*State, error) {
	return s.Mutate(ctx, UpdateFunc(func(d *Draft) error {
		for i, r := range d.Rows {
			if r.ID == rowID {
				d.Rows = append(d.Rows[:i], d.Rows[i+1:]...)
				return nil
			}
		}
		for i, r := range d.Messages {
			if r.ID == rowID {
				d.Messages = append(d.Messages[:i], d.Messages[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnknownRow, rowID)
	}), WithLabel("delete_row"))
}

// SetInput sets a named input value on a row.
func (s *Store) SetInput(ctx context.Context, rowID, key, value string) (*State, error) {
	return s.Mutate(ctx, UpdateFunc(func(d *Draft) error {
		inputs, err := d.rowInputs(rowID)
		if err != nil {
			return err
		}
		for i := range inputs {
			if inputs[i].Key == key {
				inputs[i].Value = value
				return nil
			}
		}
		return fmt.Errorf("row %s has no input %q", rowID, key)
	}), WithLabel("set_input"))
}

// SetTurnContent edits the text of a chat turn.
func (s *Store) SetTurnContent(ctx context.Context, rowID, turnID, content string) (*State, error) {
	return s.Mutate(ctx, UpdateFunc(func(d *Draft) error {
		item, err := d.turn(rowID, turnID)
		if err != nil {
			return err
		}
		item.Content = content
		return nil
	}), WithLabel("set_turn"))
}

// AddTurn appends a user turn to a chat row and returns its id.
func (s *Store) AddTurn(ctx context.Context, rowID, content string) (*State, string, error) {
	var turnID string
	st, err := s.Mutate(ctx, UpdateFunc(func(d *Draft) error {
		row, err := d.messageRow(rowID)
		if err != nil {
			return err
		}
		// Fill a trailing placeholder instead of stacking another one.
		if n := len(row.History); n > 0 && row.History[n-1].IsPlaceholder() {
			row.History[n-1].Content = content
			turnID = row.History[n-1].ID
			return nil
		}
		turn := NewTurn()
		turn.Content = content
		turnID = turn.ID
		row.History = append(row.History, turn)
		return nil
	}), WithLabel("add_turn"))
	return st, turnID, err
}

// DeleteTurn removes a chat turn and every turn after it.
func (s *Store) DeleteTurn(ctx context.Context, rowID, turnID string) (*State, error) {
	return s.Mutate(ctx, UpdateFunc(func(d *Draft) error {
		row, err := d.messageRow(rowID)
		if err != nil {
			return err
		}
		for i, h := range row.History {
			if h.ID == turnID {
				row.History = row.History[:i]
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnknownTurn, turnID)
	}), WithLabel("delete_turn"))
}

// ClearNotifications empties the notification log.
func (s *Store) ClearNotifications(ctx context.Context) (*State, error) {
	return s.Mutate(ctx, UpdateFunc(func(d *Draft) error {
		d.Notifications = nil
		return nil
	}), WithLabel("clear_notifications"))
}

// ── Draft lookups ───────────────────────────────────────────

func (d *Draft) rowInputs(rowID string) ([]models.InputValue, error) {
	for i := range d.Rows {
		if d.Rows[i].ID == rowID {
			return d.Rows[i].Inputs, nil
		}
	}
	for i := range d.Messages {
		if d.Messages[i].ID == rowID {
			return d.Messages[i].Inputs, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRow, rowID)
}

// GenerationRow returns a pointer into the draft's rows.
func (d *Draft) GenerationRow(rowID string) (*models.GenerationRow, error) {
	for i := range d.Rows {
		if d.Rows[i].ID == rowID {
			return &d.Rows[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRow, rowID)
}

func (d *Draft) messageRow(rowID string) (*models.MessageRow, error) {
	for i := range d.Messages {
		if d.Messages[i].ID == rowID {
			return &d.Messages[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRow, rowID)
}

// MessageRowRef returns a pointer into the draft's chat rows.
func (d *Draft) MessageRowRef(rowID string) (*models.MessageRow, error) {
	return d.messageRow(rowID)
}

func (d *Draft) turn(rowID, turnID string) (*models.HistoryItem, error) {
	row, err := d.messageRow(rowID)
	if err != nil {
		return nil, err
	}
	for i := range row.History {
		if row.History[i].ID == turnID {
			return &row.History[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTurn, turnID)
}

// Turn returns a pointer to a chat turn in the draft.
func (d *Draft) Turn(rowID, turnID string) (*models.HistoryItem, error) {
	return d.turn(rowID, turnID)
}
