package playground

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentoven/agentoven/playground/internal/remote"
	"github.com/agentoven/agentoven/playground/pkg/models"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoMutator is returned by Commit and Delete when the store has no
	// persistence boundary.
	ErrNoMutator = errors.New("no mutation backend configured")
	// ErrBusy is returned when a save or delete is already in flight.
	ErrBusy = errors.New("variant is already being saved")
)

// WithMutator sets the boundary used by Commit and Delete.
func WithMutator(m remote.Mutator) StoreOption {
	return func(s *Store) { s.mutator = m }
}

// Commit saves the local copy of a variant as a new revision. The variant is
// flagged IsMutating while the save is in flight. On failure the flag is
// cleared, an error notification is recorded and the local edits stay.
//
// A save that produces a new revision id moves the selection slot to it and
// discards the draft held under the old id.
func (s *Store) Commit(ctx context.Context, id string) (*models.Variant, error) {
	if s.mutator == nil {
		return nil, ErrNoMutator
	}
	var local models.Variant
	if _, err := s.Mutate(ctx, setMutating(id, true, &local), WithLabel("commit_begin")); err != nil {
		return nil, err
	}
	// The flag is local bookkeeping and is never sent to the backend.
	local.IsMutating = false

	saved, err := s.mutator.Commit(ctx, &local)
	if err != nil {
		s.failPersist(id, "save", err)
		return nil, err
	}

	_, err = s.Mutate(context.WithoutCancel(ctx), UpdateFunc(func(d *Draft) error {
		p := saved.Clone()
		p.IsMutating = false
		if p.ID != id {
			if i := indexOf(d.Selected, id); i >= 0 {
				d.Selected[i] = p.ID
			}
			d.forget(id)
		}
		if _, err := d.PutVariant(p); err != nil {
			return err
		}
		d.Adopt(p)
		d.Notify(models.NotifyInfo, p.ID, fmt.Sprintf("Saved %s revision %d", p.Name, p.Revision))
		return nil
	}), WithLabel("commit_done"), WithRevalidate())
	if err != nil {
		return nil, err
	}
	log.Info().Str("variant", id).Str("revision", saved.ID).Msg("Variant committed")
	return saved, nil
}

// Delete removes a variant revision remotely and drops it from the store.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.mutator == nil {
		return ErrNoMutator
	}
	if _, err := s.Mutate(ctx, setMutating(id, true, nil), WithLabel("delete_begin")); err != nil {
		return err
	}

	if err := s.mutator.Delete(ctx, id); err != nil {
		s.failPersist(id, "delete", err)
		return err
	}

	_, err := s.Mutate(context.WithoutCancel(ctx), UpdateFunc(func(d *Draft) error {
		if i := indexOf(d.Selected, id); i >= 0 {
			d.Selected = append(d.Selected[:i], d.Selected[i+1:]...)
		}
		d.forget(id)
		for i, r := range d.Revisions {
			if r.ID == id {
				d.Revisions = append(d.Revisions[:i], d.Revisions[i+1:]...)
				break
			}
		}
		d.Notify(models.NotifyInfo, id, "Variant deleted")
		return nil
	}), WithLabel("delete_done"), WithRevalidate())
	if err != nil {
		return err
	}
	log.Info().Str("variant", id).Msg("Variant deleted")
	return nil
}

func (s *Store) failPersist(id, op string, cause error) {
	log.Warn().Err(cause).Str("variant", id).Str("op", op).Msg("Persist failed")
	_, err := s.Mutate(context.Background(), UpdateFunc(func(d *Draft) error {
		if err := clearMutating(d, id); err != nil {
			return err
		}
		d.Notify(models.NotifyError, id, fmt.Sprintf("Failed to %s: %v", op, cause))
		return nil
	}), WithLabel(op+"_failed"))
	if err != nil {
		log.Error().Err(err).Str("variant", id).Msg("Could not clear mutating flag")
	}
}

// setMutating flags a variant and optionally copies it out for the request.
func setMutating(id string, on bool, out *models.Variant) UpdateFunc {
	return func(d *Draft) error {
		v, ok := d.Variant(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownVariant, id)
		}
		if v.IsMutating && on {
			return fmt.Errorf("%w: %s", ErrBusy, id)
		}
		v.IsMutating = on
		if _, err := d.PutVariant(v); err != nil {
			return err
		}
		if out != nil {
			*out = v.Clone()
		}
		return nil
	}
}

func clearMutating(d *Draft, id string) error {
	v, ok := d.Variant(id)
	if !ok {
		// deleted concurrently
		return nil
	}
	v.IsMutating = false
	_, err := d.PutVariant(v)
	return err
}

// forget drops the local copy and bookkeeping for id.
func (d *Draft) forget(id string) {
	delete(d.Entities, id)
	delete(d.Baselines, id)
	delete(d.Dirty, id)
}
