package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/agentoven/agentoven/playground/internal/dispatcher"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ══════════════════════════════════════════════════════════════
// ── State / Load ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, NewStateView(h.Store.Snapshot()))
}

type loadRequest struct {
	IDs []string `json:"ids" validate:"omitempty,dive,required"`
	// Wait blocks until the background phase has merged.
	Wait bool `json:"wait"`
}

type loadResponse struct {
	Cycle uint64    `json:"cycle"`
	State StateView `json:"state"`
}

// Load starts a load cycle. Without ids it reads the persisted selection
// from the embedded backend, or falls back to the most recent revision.
func (h *Handlers) Load(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if r.ContentLength != 0 {
		if err := decodeValid(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	ids := req.IDs
	if ids == nil && h.Repo != nil {
		sel, err := h.Repo.GetSelection(r.Context())
		if err != nil {
			respondErr(w, err)
			return
		}
		ids = sel
	}
	if h.Selection != nil {
		h.Selection.SetReadIn(ids)
	}

	cycle, err := h.Loader.Load(r.Context(), ids)
	if err != nil {
		respondErr(w, err)
		return
	}
	if req.Wait {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := cycle.Wait(ctx); err != nil {
			log.Warn().Err(err).Uint64("cycle", cycle.ID).Msg("Background load did not complete")
		}
	}
	respondJSON(w, http.StatusOK, loadResponse{Cycle: cycle.ID, State: NewStateView(h.Store.Snapshot())})
}

// ══════════════════════════════════════════════════════════════
// ── Selection / Parameters ───────────────────────────────────
// ══════════════════════════════════════════════════════════════

type selectionRequest struct {
	IDs []string `json:"ids" validate:"dive,required"`
}

func (h *Handlers) SetSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decodeValid(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	st, err := h.Store.SetSelection(r.Context(), req.IDs)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewStateView(st))
}

type parameterRequest struct {
	Path  string      `json:"path" validate:"required"`
	Value interface{} `json:"value"`
}

func (h *Handlers) UpdateParameter(w http.ResponseWriter, r *http.Request) {
	var req parameterRequest
	if err := decodeValid(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	st, err := h.Store.UpdateParameter(r.Context(), chi.URLParam(r, "variantID"), req.Path, req.Value)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewStateView(st))
}

func (h *Handlers) ReplaceParameters(w http.ResponseWriter, r *http.Request) {
	var params map[string]interface{}
	if err := decode(r, &params); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	st, err := h.Store.ReplaceParameters(r.Context(), chi.URLParam(r, "variantID"), params)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewStateView(st))
}

// ── Commit / Delete ─────────────────────────────────────────

func (h *Handlers) CommitVariant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "variantID")
	saved, err := h.Store.Commit(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (h *Handlers) DeleteVariant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "variantID")
	if err := h.Store.Delete(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Rows / Inputs / Turns ────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type createdResponse struct {
	ID    string    `json:"id"`
	State StateView `json:"state"`
}

func (h *Handlers) AddRow(w http.ResponseWriter, r *http.Request) {
	st, id, err := h.Store.AddRow(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, createdResponse{ID: id, State: NewStateView(st)})
}

func (h *Handlers) DeleteRow(w http.ResponseWriter, r *http.Request) {
	st, err := h.Store.DeleteRow(r.Context(), chi.URLParam(r, "rowID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewStateView(st))
}

type valueRequest struct {
	Value string `json:"value" validate:"max=65536"`
}

func (h *Handlers) SetInput(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := decodeValid(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	st, err := h.Store.SetInput(r.Context(), chi.URLParam(r, "rowID"), chi.URLParam(r, "key"), req.Value)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewStateView(st))
}

type contentRequest struct {
	Content string `json:"content"`
}

func (h *Handlers) AddTurn(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	st, id, err := h.Store.AddTurn(r.Context(), chi.URLParam(r, "rowID"), req.Content)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, createdResponse{ID: id, State: NewStateView(st)})
}

func (h *Handlers) SetTurnContent(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	st, err := h.Store.SetTurnContent(r.Context(), chi.URLParam(r, "rowID"), chi.URLParam(r, "turnID"), req.Content)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewStateView(st))
}

func (h *Handlers) DeleteTurn(w http.ResponseWriter, r *http.Request) {
	st, err := h.Store.DeleteTurn(r.Context(), chi.URLParam(r, "rowID"), chi.URLParam(r, "turnID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewStateView(st))
}

func (h *Handlers) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	st, err := h.Store.ClearNotifications(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewStateView(st))
}

// ══════════════════════════════════════════════════════════════
// ── Runs ─────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type runResponse struct {
	RequestIDs []string `json:"request_ids"`
}

// Run dispatches tests. An empty body runs every row against every active
// variant.
func (h *Handlers) Run(w http.ResponseWriter, r *http.Request) {
	var t dispatcher.Target
	if r.ContentLength != 0 {
		if err := decode(r, &t); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	ids, err := h.Dispatcher.Run(r.Context(), t)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, runResponse{RequestIDs: ids})
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	var t dispatcher.Target
	if r.ContentLength != 0 {
		if err := decode(r, &t); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	n, err := h.Dispatcher.Cancel(r.Context(), t)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

// GetResult reads a test result from the CAS by reference.
func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	res, ok := h.Store.Snapshot().Result(ref)
	if !ok {
		respondError(w, http.StatusNotFound, "result not found: "+ref)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// GetEntity reads any loaded entity, selected or not.
func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "variantID")
	st := h.Store.Snapshot()
	v, ok := st.Entity(id)
	if !ok {
		respondError(w, http.StatusNotFound, "variant not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, VariantView{Variant: v, IsDirty: st.Dirty[id]})
}
