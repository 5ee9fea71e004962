package handlers

import (
	"net/http"

	"github.com/agentoven/agentoven/playground/internal/remote"
	"github.com/agentoven/agentoven/playground/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ══════════════════════════════════════════════════════════════
// ── Embedded backend (remote.Client protocol) ────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) QueryVariants(w http.ResponseWriter, r *http.Request) {
	var req remote.FetchRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	resp, err := h.Repo.Fetch(r.Context(), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) BackendSchema(w http.ResponseWriter, r *http.Request) {
	sc, err := h.Repo.FetchSchema(r.Context(), r.URL.Query().Get("uri"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

func (h *Handlers) PutSchema(w http.ResponseWriter, r *http.Request) {
	var sc models.Schema
	if err := decode(r, &sc); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Repo.PutSchema(r.Context(), sc); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

func (h *Handlers) SetRouting(w http.ResponseWriter, r *http.Request) {
	var rt models.Routing
	if err := decode(r, &rt); err != nil || validate.Var(rt.BaseURL, "required,url") != nil {
		respondError(w, http.StatusBadRequest, "base_url must be an absolute URL")
		return
	}
	if err := h.Repo.SetRouting(r.Context(), rt); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rt)
}

func (h *Handlers) CreateVariant(w http.ResponseWriter, r *http.Request) {
	var v models.Variant
	if err := decode(r, &v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Repo.CreateVariant(r.Context(), &v); err != nil {
		respondErr(w, err)
		return
	}
	log.Info().Str("id", v.ID).Str("variant_id", v.VariantID).Int("revision", v.Revision).Msg("Variant created")
	respondJSON(w, http.StatusCreated, v)
}

func (h *Handlers) BackendCommit(w http.ResponseWriter, r *http.Request) {
	var v models.Variant
	if err := decode(r, &v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	v.ID = chi.URLParam(r, "id")
	saved, err := h.Repo.Commit(r.Context(), &v)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (h *Handlers) BackendDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.Repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListRevisions(w http.ResponseWriter, r *http.Request) {
	revs, err := h.Repo.ListRevisions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, revs)
}

func (h *Handlers) GetRevision(w http.ResponseWriter, r *http.Request) {
	v, err := h.Repo.GetRevision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (h *Handlers) GetSelection(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Repo.GetSelection(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, selectionRequest{IDs: ids})
}
