package complianceapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/coverwatch/internal/docrules"
	"github.com/linnemanlabs/coverwatch/internal/outreach"
	"github.com/linnemanlabs/coverwatch/internal/renewal"
)

// documentRequest is an extracted policy document. Fields is the raw
// extraction the field rules are evaluated against; the typed fields feed
// renewal tracking.
type documentRequest struct {
	CoverageType   string             `json:"coverage_type"`
	EffectiveDate  *time.Time         `json:"effective_date,omitempty"`
	ExpirationDate *time.Time         `json:"expiration_date,omitempty"`
	Limits         map[string]float64 `json:"limits,omitempty"`
	Fields         map[string]any     `json:"fields"`
}

type renewalResult struct {
	RecordID string `json:"record_id,omitempty"`
	Enrolled bool   `json:"enrolled"`
}

type documentResponse struct {
	Evaluation *docrules.Evaluation `json:"evaluation"`
	Renewal    renewalResult        `json:"renewal"`
}

func (a *API) handleSubmitDocument(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	vendorID := chi.URLParam(r, "vendorID")
	policyID := chi.URLParam(r, "policyID")
	L := a.logger.With("org_id", orgID, "vendor_id", vendorID, "policy_id", policyID)

	var req documentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Fields == nil {
		req.Fields = map[string]any{}
	}

	ev, err := a.deps.Documents.Evaluate(r.Context(), orgID, vendorID, policyID, req.Fields)
	if err != nil {
		a.internalError(w, r, err, "document evaluation failed", "policy_id", policyID)
		return
	}

	resp := documentResponse{Evaluation: ev}
	p := &renewal.Policy{
		ID:             policyID,
		OrgID:          orgID,
		VendorID:       vendorID,
		CoverageType:   req.CoverageType,
		EffectiveDate:  req.EffectiveDate,
		ExpirationDate: req.ExpirationDate,
		Limits:         req.Limits,
	}
	if err := a.deps.Policies.PutPolicy(r.Context(), p); err != nil {
		a.internalError(w, r, err, "failed to store policy facts", "policy_id", policyID)
		return
	}

	rec, created, err := renewal.Enroll(r.Context(), a.deps.Policies, p, a.now())
	switch {
	case errors.Is(err, renewal.ErrNoExpiration):
		L.Info(r.Context(), "document has no expiration date, renewal not tracked")
	case err != nil:
		a.internalError(w, r, err, "failed to enroll policy for renewal", "policy_id", policyID)
		return
	case created:
		resp.Renewal = renewalResult{RecordID: rec.ID, Enrolled: true}
		L.Info(r.Context(), "policy enrolled for renewal", "record_id", rec.ID)
	}

	L.Info(r.Context(), "document evaluated",
		"status", string(ev.Status),
		"passing", len(ev.Passing),
		"failing", len(ev.Failing),
		"missing", len(ev.Missing),
	)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	orgID, vendorID := chi.URLParam(r, "orgID"), chi.URLParam(r, "vendorID")
	if a.deps.Summaries == nil {
		writeError(w, http.StatusNotImplemented, "summaries not configured")
		return
	}

	s, ok, err := a.deps.Summaries.Summary(r.Context(), orgID, vendorID)
	if err != nil {
		a.internalError(w, r, err, "failed to get compliance summary", "vendor_id", vendorID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handlePutContact(w http.ResponseWriter, r *http.Request) {
	orgID, vendorID := chi.URLParam(r, "orgID"), chi.URLParam(r, "vendorID")
	if a.deps.Contacts == nil {
		writeError(w, http.StatusNotImplemented, "contacts not configured")
		return
	}

	var c outreach.Contact
	if !decodeBody(w, r, &c) {
		return
	}
	c.OrgID, c.VendorID = orgID, vendorID

	if err := a.deps.Contacts.PutContact(r.Context(), &c); err != nil {
		a.internalError(w, r, err, "failed to store vendor contact", "vendor_id", vendorID)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
