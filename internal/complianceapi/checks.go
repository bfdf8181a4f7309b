package complianceapi

import (
	"maps"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/coverwatch/internal/rules"
)

type checkRequest struct {
	// Facts override or extend the stored policy facts.
	Facts map[string]any `json:"facts"`
}

func (a *API) handleCheckPolicy(w http.ResponseWriter, r *http.Request) {
	orgID, policyID := chi.URLParam(r, "orgID"), chi.URLParam(r, "policyID")
	if a.deps.Rules == nil {
		writeError(w, http.StatusNotImplemented, "rules not configured")
		return
	}

	var req checkRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	facts := rules.Facts{}
	p, ok, err := a.deps.Policies.PolicyFacts(r.Context(), policyID)
	if err != nil {
		a.internalError(w, r, err, "failed to load policy facts", "policy_id", policyID)
		return
	}
	switch {
	case ok && p.OrgID == orgID:
		facts = p.Facts()
	case len(req.Facts) == 0:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	maps.Copy(facts, req.Facts)

	report, err := a.deps.Rules.Check(r.Context(), orgID, policyID, facts)
	if err != nil {
		a.internalError(w, r, err, "rule check failed", "policy_id", policyID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
