// Package handlers implements the HTTP handlers for the playground service.
// Playground handlers drive the engine; backend handlers expose the embedded
// repository over the same protocol remote.Client speaks.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentoven/agentoven/playground/internal/dispatcher"
	"github.com/agentoven/agentoven/playground/internal/loader"
	"github.com/agentoven/agentoven/playground/internal/playground"
	"github.com/agentoven/agentoven/playground/internal/remote"
	"github.com/agentoven/agentoven/playground/internal/store"
	"github.com/go-playground/validator/v10"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      *playground.Store
	Loader     *loader.Loader
	Dispatcher *dispatcher.Dispatcher

	// Repo is set when the embedded backend is in use.
	Repo store.Repository
	// Selection is the write-back sync for the persisted selection.
	Selection *playground.SelectionSync
}

// New creates a Handlers instance. repo and sel may be nil.
func New(ps *playground.Store, ld *loader.Loader, disp *dispatcher.Dispatcher, repo store.Repository, sel *playground.SelectionSync) *Handlers {
	return &Handlers{
		Store:      ps,
		Loader:     ld,
		Dispatcher: disp,
		Repo:       repo,
		Selection:  sel,
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps engine errors to HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	respondError(w, errStatus(err), err.Error())
}

func errStatus(err error) int {
	var nf *store.ErrNotFound
	switch {
	case errors.As(err, &nf),
		errors.Is(err, remote.ErrNotFound),
		errors.Is(err, playground.ErrUnknownVariant),
		errors.Is(err, playground.ErrUnknownRow),
		errors.Is(err, playground.ErrUnknownTurn):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrNoTargets):
		return http.StatusUnprocessableEntity
	case errors.Is(err, playground.ErrBusy),
		errors.Is(err, loader.ErrSuperseded),
		errors.Is(err, store.ErrExists):
		return http.StatusConflict
	case errors.Is(err, playground.ErrNoMutator):
		return http.StatusNotImplemented
	case errors.Is(err, playground.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

var validate = validator.New()

// decodeValid decodes a request body and checks its validate tags.
func decodeValid(r *http.Request, v interface{}) error {
	if err := decode(r, v); err != nil {
		return err
	}
	return validate.Struct(v)
}
