package complianceapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/coverwatch/internal/renewal"
)

func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	stats, err := a.deps.Runner.RunForOrg(r.Context(), orgID)
	if err != nil {
		a.internalError(w, r, err, "renewal run failed", "org_id", orgID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleSetRenewalStatus(w http.ResponseWriter, r *http.Request) {
	orgID, id := chi.URLParam(r, "orgID"), chi.URLParam(r, "id")

	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := renewal.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, ok, err := a.deps.Policies.Get(r.Context(), id)
	if err != nil {
		a.internalError(w, r, err, "failed to get renewal record", "id", id)
		return
	}
	if !ok || rec.OrgID != orgID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	err = a.deps.Policies.SetStatus(r.Context(), id, st)
	switch {
	case errors.Is(err, renewal.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		a.internalError(w, r, err, "failed to set renewal status", "id", id)
		return
	}
	rec.Status = st
	writeJSON(w, http.StatusOK, rec)
}
